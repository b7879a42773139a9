// seed-admin bootstraps a fresh database: the company row, a head-office
// station, and the admin officer (username: dairyAdmin). It prints a signed
// dev JWT so the API is usable immediately without a Redis session.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-admin
//
// Pass -with-demo to also create a demo station and a couple of farmers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/models"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
)

const (
	adminUsername = "dairyAdmin"
	adminPassword = "D@iryAdmin1"
	adminName     = "Dairy Admin"
)

func main() {
	withDemo := flag.Bool("with-demo", false, "Also seed a demo station and farmers")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	models.MigrateTable()

	// Audit hooks want an actor; the seed acts as the system admin.
	ctx = utils.SetOfficerIdInContext(ctx, 0)
	ctx = utils.SetIsAdminInContext(ctx, true)

	company, err := models.GetDefaultCompany(ctx)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		company, err = models.CreateCompany(ctx, &models.NewCompany{
			Name:     "Dairy Collective",
			Currency: "KES",
			Timezone: "Africa/Nairobi",
		})
		if err == nil {
			fmt.Printf("Created company %q (currency=%s timezone=%s)\n", company.Name, company.Currency, company.Timezone)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to ensure company: %v\n", err)
		os.Exit(1)
	}

	station, err := models.GetStationByCode(ctx, "HQ")
	if errors.Is(err, utils.ErrorRecordNotFound) {
		station, err = models.CreateStation(ctx, &models.NewStation{
			CompanyId: company.ID,
			Code:      "HQ",
			Name:      "Head Office",
		})
		if err == nil {
			fmt.Printf("Created station %s (%s)\n", station.Code, station.Name)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to ensure station: %v\n", err)
		os.Exit(1)
	}

	officer, err := ensureAdmin(ctx, station.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to ensure admin officer: %v\n", err)
		os.Exit(1)
	}

	if *withDemo {
		if err := seedDemo(ctx, company.ID); err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed demo data: %v\n", err)
			os.Exit(1)
		}
	}

	// Stateless token so the first login does not depend on Redis being up.
	token, err := utils.JwtGenerate(officer.ID, string(officer.Role))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to mint dev token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Admin officer ready: username=%q\n", adminUsername)
	fmt.Printf("Dev token (send as `token` header):\n%s\n", token)
}

func ensureAdmin(ctx context.Context, stationId int) (*models.Officer, error) {
	db := config.GetDB()

	var existing models.Officer
	err := db.WithContext(ctx).Model(&models.Officer{}).Where("username = ?", adminUsername).First(&existing).Error
	if err == nil {
		// Reset the password and role so a forgotten dev box is recoverable.
		hashed, hashErr := utils.HashPassword(adminPassword)
		if hashErr != nil {
			return nil, hashErr
		}
		if err := db.WithContext(ctx).Model(&models.Officer{}).Where("username = ?", adminUsername).Updates(map[string]any{
			"password":  string(hashed),
			"role":      models.OfficerRoleAdmin,
			"is_active": utils.NewTrue(),
		}).Error; err != nil {
			return nil, err
		}
		_ = config.RemoveRedisKey("Officer:" + adminUsername)
		fmt.Printf("Updated admin officer: username=%q\n", adminUsername)
		existing.Password = ""
		return &existing, nil
	}

	officer, err := models.CreateOfficer(ctx, &models.NewOfficer{
		StationId: stationId,
		Username:  adminUsername,
		Name:      adminName,
		Password:  adminPassword,
		Role:      models.OfficerRoleAdmin,
		IsActive:  utils.NewTrue(),
	})
	if err != nil {
		return nil, err
	}
	fmt.Printf("Created admin officer: username=%q\n", adminUsername)
	return officer, nil
}

func seedDemo(ctx context.Context, companyId int) error {
	station, err := models.GetStationByCode(ctx, "ST01")
	if errors.Is(err, utils.ErrorRecordNotFound) {
		station, err = models.CreateStation(ctx, &models.NewStation{
			CompanyId: companyId,
			Code:      "ST01",
			Name:      "Kiambu Collection Point",
			Region:    "Kiambu",
		})
	}
	if err != nil {
		return err
	}

	demoFarmers := []models.NewFarmer{
		{StationId: station.ID, Code: "F001", Name: "Wanjiku Kamau", Phone: "0712345678", MpesaPhone: "0712345678", Language: "sw"},
		{StationId: station.ID, Code: "F002", Name: "John Otieno", Phone: "0723456789", Language: "en"},
	}
	for i := range demoFarmers {
		if _, err := models.GetFarmerByCode(ctx, demoFarmers[i].Code); err == nil {
			continue
		}
		farmer, err := models.CreateFarmer(ctx, &demoFarmers[i])
		if err != nil {
			return err
		}
		fmt.Printf("Created demo farmer %s (%s)\n", farmer.Code, farmer.Name)
	}
	return nil
}
