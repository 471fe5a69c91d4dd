package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// Event kinds emitted by the control plane
const (
	KindUserRegistration  = "user.registration"
	KindUserResetPassword = "user.reset_password"
	KindCertificateIssued = "certificate.issued"
	KindTargetStatus      = "target.status"
)

// UserRegistrationPayload accompanies a new user registration
type UserRegistrationPayload struct {
	UserUUID         uuid.UUID `json:"user"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	ConfirmationCode uuid.UUID `json:"confirmation_code"`
}

// UserResetPasswordPayload accompanies a password reset request
type UserResetPasswordPayload struct {
	UserUUID         uuid.UUID `json:"user"`
	Email            string    `json:"email"`
	ConfirmationCode uuid.UUID `json:"confirmation_code"`
}

// CertificateIssuedPayload accompanies a freshly issued certificate
type CertificateIssuedPayload struct {
	TargetUUID uuid.UUID `json:"target"`
	CommonName string    `json:"common_name"`
}

// TargetStatusPayload accompanies a lifecycle status transition
type TargetStatusPayload struct {
	TargetUUID uuid.UUID    `json:"target"`
	Kind       types.Kind   `json:"kind"`
	Status     types.Status `json:"status"`
	Reason     string       `json:"reason,omitempty"`
}

// Emit appends an event to the outbox. Call it with the transactional
// store of the mutation that caused the event so both commit together.
func Emit(ctx context.Context, tx *storage.Store, kind string, payload any) error {
	m, err := types.EncodeSpec(payload)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, &types.OutboxEvent{
		Kind:       kind,
		PayloadVer: 1,
		Payload:    m,
	})
}
