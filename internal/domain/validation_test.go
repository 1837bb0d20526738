package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOTPPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload OTPPayload
		wantErr bool
	}{
		{"合法载荷", OTPPayload{UserID: "42", OTP: "123456", Email: "abc@mail.tm"}, false},
		{"4位验证码", OTPPayload{UserID: "42", OTP: "1234", Email: "abc@mail.tm"}, false},
		{"8位验证码", OTPPayload{UserID: "42", OTP: "12345678", Email: "abc@mail.tm"}, false},
		{"缺少用户", OTPPayload{OTP: "123456", Email: "abc@mail.tm"}, true},
		{"空白用户", OTPPayload{UserID: "   ", OTP: "123456", Email: "abc@mail.tm"}, true},
		{"验证码过短", OTPPayload{UserID: "42", OTP: "123", Email: "abc@mail.tm"}, true},
		{"验证码过长", OTPPayload{UserID: "42", OTP: "123456789", Email: "abc@mail.tm"}, true},
		{"验证码含非数字", OTPPayload{UserID: "42", OTP: "12ab56", Email: "abc@mail.tm"}, true},
		{"邮箱缺少@", OTPPayload{UserID: "42", OTP: "123456", Email: "abcmail.tm"}, true},
		{"邮箱为空", OTPPayload{UserID: "42", OTP: "123456"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.payload
			err := p.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedEvent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOTPPayloadNormalization(t *testing.T) {
	p := OTPPayload{UserID: "42", OTP: "654321", Email: "  ABC@Mail.TM "}
	require.NoError(t, p.Validate())

	assert.Equal(t, "abc@mail.tm", p.Email)
	assert.Equal(t, DefaultSender, p.Sender)

	ev := p.Event()
	assert.Equal(t, EventTypeOTP, ev.Type)
	assert.Equal(t, "654321", ev.OTP)
	assert.Equal(t, "abc@mail.tm", ev.Email)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEmailPayloadValidate(t *testing.T) {
	p := EmailPayload{UserID: "7", Email: "New@Guerrillamail.com"}
	require.NoError(t, p.Validate())
	assert.Equal(t, "new@guerrillamail.com", p.Email)

	ev := p.Event()
	assert.Equal(t, EventTypeNewEmail, ev.Type)
	assert.Equal(t, "new@guerrillamail.com", ev.Email)

	bad := EmailPayload{UserID: "7", Email: "no-at-sign"}
	assert.ErrorIs(t, bad.Validate(), ErrMalformedEvent)
}
