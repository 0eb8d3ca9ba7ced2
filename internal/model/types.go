package model

import "time"

type SessionStatus string

const (
	SessionDownloading  SessionStatus = "downloading"
	SessionTransferring SessionStatus = "transferring"
	SessionStored       SessionStatus = "stored"
	SessionActive       SessionStatus = "active"
	SessionExhausted    SessionStatus = "exhausted"
	SessionExpired      SessionStatus = "expired"
	SessionFailed       SessionStatus = "failed"
)

// Terminal reports whether no further transitions are legal from the status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionExhausted, SessionExpired, SessionFailed:
		return true
	}
	return false
}

// DataAmount is a session allotment size: either a fixed number of megabytes
// or unlimited. The zero value is a zero-sized amount, not unlimited.
type DataAmount struct {
	mb        int64
	unlimited bool
}

func SizedMB(mb int64) DataAmount {
	if mb < 0 {
		mb = 0
	}
	return DataAmount{mb: mb}
}

func Unlimited() DataAmount {
	return DataAmount{unlimited: true}
}

func (d DataAmount) IsUnlimited() bool { return d.unlimited }

// MB returns the sized amount in megabytes. Meaningless for unlimited amounts.
func (d DataAmount) MB() int64 { return d.mb }

// NullableMB is the storage representation: nil means unlimited.
func (d DataAmount) NullableMB() *int64 {
	if d.unlimited {
		return nil
	}
	mb := d.mb
	return &mb
}

func AmountFromNullableMB(mb *int64) DataAmount {
	if mb == nil {
		return Unlimited()
	}
	return SizedMB(*mb)
}

type Session struct {
	ID                string
	OwnerID           string
	OfferID           string
	Name              string
	Size              DataAmount
	UsedMB            int64
	Status            SessionStatus
	ProgressPercent   int
	ValidityDays      int
	DownloadStartedAt time.Time
	ActivatedAt       *time.Time
	ExpiresAt         *time.Time
	LastUsageAt       *time.Time
	FailureReason     string
}

// RemainingMB is the undrained balance of a sized session, never negative.
func (s *Session) RemainingMB() int64 {
	if s.Size.IsUnlimited() {
		return 0
	}
	rem := s.Size.MB() - s.UsedMB
	if rem < 0 {
		return 0
	}
	return rem
}

func (s *Session) CanActivate() bool {
	return s.Status == SessionStored
}

type QuotaPeriod struct {
	OwnerID     string
	PeriodStart time.Time
	UsedMB      int64
	LimitMB     int64
}

func (q QuotaPeriod) Percentage() float64 {
	if q.LimitMB <= 0 {
		return 0
	}
	pct := float64(q.UsedMB) / float64(q.LimitMB) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// PeriodStartFor truncates a moment to its calendar-month boundary in UTC,
// the key under which quota periods are lazily materialized.
func PeriodStartFor(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

type Offer struct {
	ID           string
	Name         string
	Size         DataAmount
	PriceUSD     float64
	ValidityDays int
	Free         bool
}

type ProfileKind string

const (
	ProfilePublicCaptive ProfileKind = "public_captive"
	ProfilePrivateVPN    ProfileKind = "private_vpn"
)

// ConnectivityProfile is a minted credential bound to one active session.
// Exactly one of the variant field groups is populated, selected by Kind.
type ConnectivityProfile struct {
	ID        string
	SessionID string
	Kind      ProfileKind
	IssuedAt  time.Time

	// public_captive
	NetworkName string
	PortalURL   string
	AccessToken string
	ExpiresAt   *time.Time

	// private_vpn
	ICCID          string
	SMDPServer     string
	ActivationCode string

	// ProvisioningCode is the scannable payload for either variant: a WIFI:
	// network string for captive profiles, the LPA activation string for
	// private ones.
	ProvisioningCode string
}

type UsageReport struct {
	SessionID  string
	DataUsedMB int64
	ReportedAt time.Time
}
