// Package profile mints connectivity credentials bound to active sessions:
// public captive-portal WiFi access and private SM-DP+ eSIM profiles.
package profile

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kswifiapp/session-core/internal/model"
	"github.com/kswifiapp/session-core/internal/store"
)

// ErrPassphraseRejected is returned by IssuePrivate when the supplied
// passphrase does not match the configured one (or the variant is disabled).
var ErrPassphraseRejected = errors.New("passphrase rejected")

type SessionStore interface {
	GetSessionByID(ctx context.Context, sessionID string) (*model.Session, error)
	RecordProfile(ctx context.Context, p *model.ConnectivityProfile) error
}

type Options struct {
	NetworkName     string
	PortalDomain    string
	CaptiveTokenTTL time.Duration
	SMDPHost        string
	// Passphrase gates private eSIM issuance. Empty disables the private
	// variant entirely.
	Passphrase string
}

type Issuer struct {
	store SessionStore
	opts  Options
}

func NewIssuer(st SessionStore, opts Options) *Issuer {
	return &Issuer{store: st, opts: opts}
}

// IssuePublic mints a fresh captive-portal credential for an active session.
// Every call produces a new token; previously issued tokens stay valid until
// their own expiry.
func (i *Issuer) IssuePublic(ctx context.Context, sessionID string) (*model.ConnectivityProfile, error) {
	if err := i.requireActive(ctx, sessionID); err != nil {
		return nil, err
	}

	token, err := randomToken("wifi_", 24)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	expiresAt := now.Add(i.opts.CaptiveTokenTTL)

	p := &model.ConnectivityProfile{
		ID:          "prf_" + uuid.NewString(),
		SessionID:   sessionID,
		Kind:        model.ProfilePublicCaptive,
		IssuedAt:    now,
		NetworkName: i.opts.NetworkName,
		PortalURL:   fmt.Sprintf("https://%s/connect?token=%s", i.opts.PortalDomain, token),
		AccessToken: token,
		ExpiresAt:   &expiresAt,
		// Open-network WiFi QR payload; the portal does the gating.
		ProvisioningCode: fmt.Sprintf("WIFI:T:nopass;S:%s;H:;;", i.opts.NetworkName),
	}
	if err := i.store.RecordProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// IssuePrivate mints a GSMA-style eSIM profile. The passphrase must match the
// configured issuer passphrase; otherwise no private profile is available.
func (i *Issuer) IssuePrivate(ctx context.Context, sessionID, passphrase string) (*model.ConnectivityProfile, error) {
	if !i.passphraseOK(passphrase) {
		return nil, ErrPassphraseRejected
	}
	if err := i.requireActive(ctx, sessionID); err != nil {
		return nil, err
	}

	iccid, err := GenerateICCID()
	if err != nil {
		return nil, err
	}
	matchingID, err := randomToken("", 16)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	activationCode := fmt.Sprintf("LPA:1$%s$%s", i.opts.SMDPHost, matchingID)

	p := &model.ConnectivityProfile{
		ID:               "prf_" + uuid.NewString(),
		SessionID:        sessionID,
		Kind:             model.ProfilePrivateVPN,
		IssuedAt:         now,
		ICCID:            iccid,
		SMDPServer:       i.opts.SMDPHost,
		ActivationCode:   activationCode,
		ProvisioningCode: activationCode,
	}
	if err := i.store.RecordProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// IssueDual returns every profile variant the caller qualifies for: always
// the public captive option, plus the private eSIM when the passphrase gate
// passes. The session must be active for any option at all.
func (i *Issuer) IssueDual(ctx context.Context, sessionID, passphrase string) ([]*model.ConnectivityProfile, error) {
	pub, err := i.IssuePublic(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	options := []*model.ConnectivityProfile{pub}

	if i.passphraseOK(passphrase) {
		priv, err := i.IssuePrivate(ctx, sessionID, passphrase)
		if err != nil {
			return nil, err
		}
		options = append(options, priv)
	}
	return options, nil
}

func (i *Issuer) requireActive(ctx context.Context, sessionID string) error {
	sess, err := i.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != model.SessionActive {
		return store.ErrSessionNotActive
	}
	return nil
}

func (i *Issuer) passphraseOK(passphrase string) bool {
	if i.opts.Passphrase == "" || passphrase == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(i.opts.Passphrase), []byte(passphrase)) == 1
}

func randomToken(prefix string, bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(buf), nil
}
