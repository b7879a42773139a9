package notify

import (
	"fmt"
	"os"
	"strconv"

	"bitbucket.org/mmdatafocus/dairy_backend/models"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
)

const (
	langEnglish = "en"
	langSwahili = "sw"

	defaultSmsMaxLength = 160
)

// Message templates keyed by kind then language. Farmers registered with
// language "sw" get the Swahili rendition, everyone else gets English.
var smsTemplates = map[models.SmsKind]map[string]string{
	models.SmsKindDeliveryConfirmation: {
		langEnglish: "Dear {{.Name}}, we received {{.Quantity}}L of milk on {{.Date}} (grade {{.Grade}}). Thank you.",
		langSwahili: "Ndugu {{.Name}}, tumepokea lita {{.Quantity}} za maziwa tarehe {{.Date}} (daraja {{.Grade}}). Asante.",
	},
	models.SmsKindDeliveryRejection: {
		langEnglish: "Dear {{.Name}}, your delivery of {{.Quantity}}L on {{.Date}} did not pass quality checks. Please contact your station.",
		langSwahili: "Ndugu {{.Name}}, maziwa yako ya lita {{.Quantity}} tarehe {{.Date}} hayakufaulu ukaguzi wa ubora. Tafadhali wasiliana na kituo chako.",
	},
	models.SmsKindMonthlySummary: {
		langEnglish: "Dear {{.Name}}, your {{.Month}} statement: {{.Liters}}L over {{.Count}} deliveries. Estimated payment {{.Currency}} {{.Amount}}.",
		langSwahili: "Ndugu {{.Name}}, taarifa yako ya {{.Month}}: lita {{.Liters}} kwa mizigo {{.Count}}. Malipo yanayokadiriwa {{.Currency}} {{.Amount}}.",
	},
	models.SmsKindPaymentNotice: {
		langEnglish: "Dear {{.Name}}, a payment of {{.Currency}} {{.Amount}} for {{.Period}} has been sent to {{.Phone}}.",
		langSwahili: "Ndugu {{.Name}}, malipo ya {{.Currency}} {{.Amount}} kwa {{.Period}} yametumwa kwa {{.Phone}}.",
	},
}

func renderSms(kind models.SmsKind, language string, data map[string]interface{}) (string, error) {
	byLang, ok := smsTemplates[kind]
	if !ok {
		return "", fmt.Errorf("no template for sms kind %q", kind)
	}
	tmpl, ok := byLang[language]
	if !ok {
		tmpl = byLang[langEnglish]
	}
	message, err := utils.ExecTemplate(tmpl, data)
	if err != nil {
		return "", err
	}
	return truncateSms(message), nil
}

// truncateSms keeps messages inside a single SMS segment.
func truncateSms(message string) string {
	limit := defaultSmsMaxLength
	if v := os.Getenv("SMS_MAX_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runes := []rune(message)
	if len(runes) <= limit {
		return message
	}
	return string(runes[:limit])
}
