package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrMalformedEvent 推送载荷未通过校验，在进入投递桥之前即被拒绝
var ErrMalformedEvent = errors.New("malformed event")

// 校验常量
const (
	MaxUserIDLength = 100
	MinEmailLength  = 5
	MaxEmailLength  = 255
	MaxSenderLength = 255
	MaxDomainLength = 100
	MinOTPLength    = 4
	MaxOTPLength    = 8

	// DefaultSender 缺省发件人
	DefaultSender = "Unknown"
)

// OTPPayload 验证码推送载荷
type OTPPayload struct {
	UserID string `json:"user_id"`
	OTP    string `json:"otp"`
	Email  string `json:"email"`
	Sender string `json:"sender"`
	Domain string `json:"domain"`
}

// EmailPayload 邮箱地址登记载荷
type EmailPayload struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Validate 校验并规范化验证码载荷
func (p *OTPPayload) Validate() error {
	if err := validateUserID(p.UserID); err != nil {
		return err
	}
	if !isOTP(p.OTP) {
		return malformed("otp", "must be 4-8 digits")
	}
	email, err := normalizeEmail(p.Email)
	if err != nil {
		return err
	}
	p.Email = email

	p.Sender = strings.TrimSpace(p.Sender)
	if p.Sender == "" {
		p.Sender = DefaultSender
	}
	if utf8.RuneCountInString(p.Sender) > MaxSenderLength {
		return malformed("sender", "too long")
	}
	if utf8.RuneCountInString(p.Domain) > MaxDomainLength {
		return malformed("domain", "too long")
	}
	return nil
}

// Event 转换为推送帧，调用前必须先通过 Validate
func (p OTPPayload) Event() Event {
	return Event{
		Type:      EventTypeOTP,
		OTP:       p.OTP,
		Email:     p.Email,
		Sender:    p.Sender,
		Domain:    p.Domain,
		Timestamp: time.Now(),
	}
}

// Validate 校验并规范化邮箱登记载荷
func (p *EmailPayload) Validate() error {
	if err := validateUserID(p.UserID); err != nil {
		return err
	}
	email, err := normalizeEmail(p.Email)
	if err != nil {
		return err
	}
	p.Email = email
	return nil
}

// Event 转换为推送帧，调用前必须先通过 Validate
func (p EmailPayload) Event() Event {
	return Event{
		Type:      EventTypeNewEmail,
		Email:     p.Email,
		Timestamp: time.Now(),
	}
}

func validateUserID(userID string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(userID))
	if n == 0 {
		return malformed("user_id", "is required")
	}
	if utf8.RuneCountInString(userID) > MaxUserIDLength {
		return malformed("user_id", "too long")
	}
	return nil
}

// normalizeEmail 去除空白并转为小写
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	n := utf8.RuneCountInString(email)
	if n < MinEmailLength || n > MaxEmailLength {
		return "", malformed("email", "length out of range")
	}
	if !strings.Contains(email, "@") {
		return "", malformed("email", "invalid email format")
	}
	return email, nil
}

func isOTP(code string) bool {
	if len(code) < MinOTPLength || len(code) > MaxOTPLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func malformed(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrMalformedEvent, field, reason)
}
