// Package entitlement enforces pilot/license entitlement checks for
// the Kiln fleet manager, generalized from the teacher's
// infrastructure/secrets Manager (repo collaborator + audit side
// effect on every check) and from original_source/kiln/pilot_access.py's
// hashed-identifier privacy boundary: no raw license keys, emails, or
// IP addresses are ever stored, only sha256 hashes and coarse IP
// buckets for abuse signals.
package entitlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	defaultCacheTTL   = 120 * time.Second
	defaultCacheGrace = 900 * time.Second
)

// HashIdentifier sha256-hashes an arbitrary identifier (email, device
// fingerprint, IP) so raw values are never persisted or logged.
func HashIdentifier(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:])
}

// CoarseIPBucket reduces rawIP to a /24 (IPv4) or first-4-hextet (IPv6)
// bucket — enough for abuse-rate signals, not precise location tracking.
func CoarseIPBucket(rawIP string) string {
	ip := net.ParseIP(strings.TrimSpace(rawIP))
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()[:strings.LastIndex(v4.String(), ".")] + ".0/24"
	}
	parts := strings.Split(rawIP, ":")
	if len(parts) > 4 {
		parts = parts[:4]
	}
	return strings.Join(parts, ":") + "::/64"
}

// Grant is a pilot entitlement record. Only hashed identifiers are
// stored; EmailHash, not Email, persists.
type Grant struct {
	JTI             string
	EmailHash       string
	Tier            string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	MaxActivations  int
	Status          string // "active" | "revoked"
	RevokedReason   string
}

// SecurityEvent records an activation/validation/revocation-check event
// for abuse-analysis purposes, with every identifier hashed.
type SecurityEvent struct {
	JTI              string
	EmailHash        string
	EventType        string // activation|validation|revocation_check|refresh
	DeviceHash       string
	IPCoarseHash     string
	ClientVersion    string
	CreatedAt        time.Time
	Metadata         map[string]any
}

// Repository persists grants and security events. A process may run
// with no Repository (nil), in which case every entitlement check
// reports "no grant" and decisions fall back to the caller-supplied tier.
type Repository interface {
	GetGrant(ctx context.Context, jti string) (*Grant, error)
	RecordSecurityEvent(ctx context.Context, ev SecurityEvent) error
	ActivationDeviceHashes(ctx context.Context, jti string) ([]string, error)
}

// Decision is the outcome of evaluating one entitlement check.
type Decision struct {
	Valid            bool
	Tier             string
	JTI              string
	Reason           string
	Source           string // "local" | "cache" | "stale-cache" | "store" | "disabled" | "error"
	ActivationCount  int
	MaxActivations   int
}

type cacheEntry struct {
	fetchedAt time.Time
	grant     *Grant
}

// Enforcer evaluates entitlement decisions with a short-lived cache
// plus grace window so a transient store outage degrades gracefully
// instead of locking every pilot out (spec's ambient-reliability
// posture applied to the license path).
type Enforcer struct {
	repo               Repository
	cacheTTL           time.Duration
	cacheGrace         time.Duration
	failOpenOnError    bool
	requireLedgerForV2 bool

	mu    sync.Mutex
	cache map[string]cacheEntry

	activationLocksMu sync.Mutex
	activationLocks   map[string]*sync.Mutex
}

// Option configures an Enforcer.
type Option func(*Enforcer)

func WithCacheTTL(ttl time.Duration) Option        { return func(e *Enforcer) { e.cacheTTL = ttl } }
func WithCacheGrace(grace time.Duration) Option    { return func(e *Enforcer) { e.cacheGrace = grace } }
func WithFailOpenOnError(b bool) Option            { return func(e *Enforcer) { e.failOpenOnError = b } }
func WithRequireLedgerForV2(b bool) Option         { return func(e *Enforcer) { e.requireLedgerForV2 = b } }

func New(repo Repository, opts ...Option) *Enforcer {
	e := &Enforcer{
		repo:               repo,
		cacheTTL:           defaultCacheTTL,
		cacheGrace:         defaultCacheGrace,
		requireLedgerForV2: true,
		cache:              make(map[string]cacheEntry),
		activationLocks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Enforcer) activationLock(jti string) *sync.Mutex {
	e.activationLocksMu.Lock()
	defer e.activationLocksMu.Unlock()
	lock, ok := e.activationLocks[jti]
	if !ok {
		lock = &sync.Mutex{}
		e.activationLocks[jti] = lock
	}
	return lock
}

func (e *Enforcer) grantWithCache(ctx context.Context, jti string) (*Grant, string, error) {
	e.mu.Lock()
	cached, hasCached := e.cache[jti]
	e.mu.Unlock()

	now := time.Now()
	if hasCached && now.Sub(cached.fetchedAt) <= e.cacheTTL {
		return cached.grant, "cache", nil
	}
	if e.repo == nil {
		return nil, "disabled", nil
	}

	grant, err := e.repo.GetGrant(ctx, jti)
	if err != nil {
		if hasCached && now.Sub(cached.fetchedAt) <= e.cacheTTL+e.cacheGrace {
			return cached.grant, "stale-cache", nil
		}
		return nil, "error", err
	}

	e.mu.Lock()
	e.cache[jti] = cacheEntry{fetchedAt: now, grant: grant}
	e.mu.Unlock()
	return grant, "store", nil
}

// EvaluateParams bundles one entitlement check's inputs.
type EvaluateParams struct {
	JTI                  string
	Tier                 string // caller-supplied tier from the locally-parsed license
	Version              int    // license format version (2 = requires ledger grant unless free tier)
	DeviceFingerprint    string
	IPAddressRaw         string
	ClientVersion        string
	EnforceActivationCap bool
	AutoActivateIfNeeded bool
	RecordEvent          bool
	Metadata             map[string]any
}

// Evaluate checks jti's ledger grant (if any) against the caller's
// locally-parsed license claims, enforcing status, expiry, and an
// optional per-device activation cap serialized by a per-jti lock
// (spec §9's per-user/per-entity lock discipline applied to licensing).
func (e *Enforcer) Evaluate(ctx context.Context, p EvaluateParams) (Decision, error) {
	if strings.TrimSpace(p.JTI) == "" {
		return Decision{Valid: true, Tier: p.Tier, Source: "local"}, nil
	}

	grant, source, err := e.grantWithCache(ctx, p.JTI)
	decision := Decision{Valid: true, Tier: p.Tier, JTI: p.JTI, Source: source}

	if err != nil && grant == nil {
		if e.failOpenOnError {
			decision.Reason = "entitlement store unavailable (fail-open)"
			return decision, nil
		}
		decision.Valid = false
		decision.Reason = "entitlement store unavailable"
		return decision, nil
	}

	if grant == nil {
		if p.Version == 2 && p.Tier != "free" && e.requireLedgerForV2 {
			decision.Valid = false
			decision.Reason = "unknown entitlement"
		}
		return decision, nil
	}

	status := strings.ToLower(strings.TrimSpace(grant.Status))
	if status != "active" && status != "" {
		decision.Valid = false
		decision.Reason = "entitlement " + status
	}
	if !grant.ExpiresAt.IsZero() && time.Now().After(grant.ExpiresAt) {
		decision.Valid = false
		decision.Reason = "entitlement expired"
	}

	if p.EnforceActivationCap && e.repo != nil {
		fingerprint := strings.TrimSpace(p.DeviceFingerprint)
		if fingerprint == "" {
			decision.Valid = false
			decision.Reason = "device fingerprint required"
			return decision, nil
		}

		lock := e.activationLock(p.JTI)
		lock.Lock()
		defer lock.Unlock()

		existing, err := e.repo.ActivationDeviceHashes(ctx, p.JTI)
		if err != nil {
			return Decision{}, err
		}
		deviceHash := HashIdentifier(fingerprint)
		alreadyActivated := containsHash(existing, deviceHash)
		decision.ActivationCount = len(existing)
		decision.MaxActivations = grant.MaxActivations

		if grant.MaxActivations > 0 && !alreadyActivated && len(existing) >= grant.MaxActivations {
			decision.Valid = false
			decision.Reason = "activation limit reached"
		}

		if decision.Valid && p.AutoActivateIfNeeded && !alreadyActivated && grant.MaxActivations > 0 {
			if recErr := e.repo.RecordSecurityEvent(ctx, SecurityEvent{
				JTI: p.JTI, EventType: "activation", DeviceHash: deviceHash,
				IPCoarseHash: HashIdentifier(CoarseIPBucket(p.IPAddressRaw)),
				ClientVersion: p.ClientVersion, CreatedAt: time.Now(),
				Metadata: map[string]any{"source": "auto", "tier": p.Tier},
			}); recErr == nil {
				decision.ActivationCount++
			}
		}
	}

	if p.RecordEvent && e.repo != nil {
		_ = e.repo.RecordSecurityEvent(ctx, SecurityEvent{
			JTI: p.JTI, EventType: "validation", DeviceHash: HashIdentifier(p.DeviceFingerprint),
			IPCoarseHash: HashIdentifier(CoarseIPBucket(p.IPAddressRaw)),
			ClientVersion: p.ClientVersion, CreatedAt: time.Now(),
			Metadata: map[string]any{"valid": decision.Valid, "reason": decision.Reason, "tier": decision.Tier},
		})
	}

	return decision, nil
}

func containsHash(hashes []string, target string) bool {
	for _, h := range hashes {
		if h == target {
			return true
		}
	}
	return false
}
