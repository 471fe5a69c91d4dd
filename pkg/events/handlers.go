package events

import (
	"context"
	"encoding/json"

	"github.com/genesis-cloud/genesis-core/pkg/log"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// SubscribeDefaults registers the built-in handlers. Registration and
// reset events log the confirmation code where a mail integration
// would pick it up.
func SubscribeDefaults(d *Dispatcher) {
	d.Subscribe(KindUserRegistration, logUserRegistration)
	d.Subscribe(KindUserResetPassword, logUserResetPassword)
	d.Subscribe(KindCertificateIssued, logCertificateIssued)
}

func logUserRegistration(ctx context.Context, e *types.OutboxEvent) error {
	var payload UserRegistrationPayload
	if err := decodePayload(e, &payload); err != nil {
		return err
	}
	logger := log.WithComponent("events")
	logger.Info().
		Str("user", payload.UserUUID.String()).
		Str("username", payload.Username).
		Str("confirmation_code", payload.ConfirmationCode.String()).
		Msg("user registered")
	return nil
}

func logUserResetPassword(ctx context.Context, e *types.OutboxEvent) error {
	var payload UserResetPasswordPayload
	if err := decodePayload(e, &payload); err != nil {
		return err
	}
	logger := log.WithComponent("events")
	logger.Info().
		Str("user", payload.UserUUID.String()).
		Str("confirmation_code", payload.ConfirmationCode.String()).
		Msg("password reset requested")
	return nil
}

func logCertificateIssued(ctx context.Context, e *types.OutboxEvent) error {
	var payload CertificateIssuedPayload
	if err := decodePayload(e, &payload); err != nil {
		return err
	}
	logger := log.WithComponent("events")
	logger.Info().
		Str("target", payload.TargetUUID.String()).
		Str("common_name", payload.CommonName).
		Msg("certificate issued")
	return nil
}

// decodePayload unmarshals the stored payload into a typed struct
func decodePayload(e *types.OutboxEvent, v any) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
