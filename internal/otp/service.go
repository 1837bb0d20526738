package otp

import "strings"

// serviceDomains 已知服务与其发件域名
var serviceDomains = []struct {
	service string
	domains []string
}{
	{"shopee", []string{"shopee.com", "shopee.co.id"}},
	{"tokopedia", []string{"tokopedia.com"}},
	{"gojek", []string{"gojek.com", "go-jek.com"}},
	{"grab", []string{"grab.com"}},
	{"dana", []string{"dana.id"}},
	{"ovo", []string{"ovo.id"}},
	{"google", []string{"google.com", "googlemail.com"}},
	{"facebook", []string{"facebook.com", "facebookmail.com"}},
	{"twitter", []string{"twitter.com"}},
	{"instagram", []string{"instagram.com"}},
}

// DetectService 根据发件人地址识别服务名称，未知时返回空字符串
func DetectService(sender string) string {
	lower := strings.ToLower(sender)
	for _, entry := range serviceDomains {
		for _, d := range entry.domains {
			if strings.Contains(lower, d) {
				return entry.service
			}
		}
	}
	return ""
}
