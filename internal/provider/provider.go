package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"otprelay/backend/internal/domain"
)

var (
	// ErrUnknownProvider 未知的邮箱服务类型
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrProviderUnavailable 邮箱创建或握手失败
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrNoActiveMailbox 尚未创建邮箱就调用了收件箱操作
	ErrNoActiveMailbox = errors.New("no active mailbox")
)

// Kind 临时邮箱服务类型
type Kind string

const (
	KindAuto      Kind = "auto"
	KindMailTM    Kind = "mailtm"
	KindGuerrilla Kind = "guerrilla"
)

// ParseKind 解析服务类型名称，大小写不敏感
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindAuto, "":
		return KindAuto, nil
	case KindMailTM:
		return KindMailTM, nil
	case KindGuerrilla:
		return KindGuerrilla, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// String 实现 fmt.Stringer
func (k Kind) String() string {
	return string(k)
}

// Provider 一个临时邮箱服务的能力集合
//
// 同一实例只服务一个地址：CreateAddress 成功之后，ListMessages 与 FetchBody
// 都针对该地址。实例方法可并发调用。
type Provider interface {
	Kind() Kind
	CreateAddress(ctx context.Context) (string, error)
	ListMessages(ctx context.Context) ([]domain.Message, error)
	FetchBody(ctx context.Context, id string) (*domain.MessageBody, error)
}

func unavailable(kind Kind, err error) error {
	return fmt.Errorf("%s: %w: %w", kind, ErrProviderUnavailable, err)
}
