package mlsgw

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nostrmls/gateway/internal/gwlog"
)

// RotationOutcome is the terminal state of a rotation record.
type RotationOutcome string

const (
	RotationNone       RotationOutcome = "none"
	RotationPromoted   RotationOutcome = "promoted"
	RotationCanceled   RotationOutcome = "canceled"
	RotationExpired    RotationOutcome = "expired"
	RotationRolledBack RotationOutcome = "rolled_back"
)

// SecretVersionState is the lifecycle state of a secret version record.
type SecretVersionState string

const (
	VersionPending SecretVersionState = "pending"
	VersionCurrent SecretVersionState = "current"
	VersionGrace   SecretVersionState = "grace"
	VersionRetired SecretVersionState = "retired"
)

// RotationRecord tracks a NIP-KR prepare/promote cycle.
type RotationRecord struct {
	RotationID     string
	ClientID       string
	NewVersionID   string
	OldVersionID   string
	NotBefore      time.Time
	GraceUntil     time.Time
	QuorumRequired int
	QuorumAcks     int
	Outcome        RotationOutcome
}

// SecretVersionRecord is a (client_id, version_id) keyed record. The
// plaintext secret is never retained past MAC computation.
type SecretVersionRecord struct {
	ClientID       string
	VersionID      string
	SecretHash     string // base64url-no-pad HMAC tag
	MACKeyRef      string
	NotBeforeMs    int64
	NotAfterMs     int64
	State          SecretVersionState
	RotatedBy      string
	RotationReason string
}

// RotationRequest is the decrypted service-request payload for the
// "rotation" action under profile "nip-kr/0.1.0".
type RotationRequest struct {
	ActionID        string
	ClientID        string
	RotationReason  string
	NotBeforeMs     int64 // 0 means unspecified
	GraceDurationMs int64 // 0 means unspecified
	JWTProofPresent bool
}

// DefaultQuorumRequired is the number of service-acks needed to promote a
// rotation. RotationRequest has no quorum field, so every rotation uses it.
const DefaultQuorumRequired = 1

// DefaultNotBeforeDelay is applied when a rotation request omits not_before.
const DefaultNotBeforeDelay = 10 * time.Minute

// devMACKeyRef is the key reference recorded when using the environment-
// provided development HMAC key.
const devMACKeyRef = "local-test-key-v1"

// RotationCoordinator implements the NIP-KR two-phase commit. Its
// in-process current-pointer map is process-wide and is explicitly a
// development affordance; a production
// deployment should route current-pointer lookups through Storage instead.
type RotationCoordinator struct {
	storage Storage
	metrics *metrics
	macKey  []byte
	macRef  string

	mu        sync.Mutex
	rotations map[string]*RotationRecord // rotation_id -> record
	versions  map[versionKey]*SecretVersionRecord
	current   map[string]string // client_id -> version_id currently current
}

type versionKey struct {
	clientID  string
	versionID string
}

// NewRotationCoordinator constructs a coordinator bound to storage and a
// MAC key. If no key is supplied, it attempts to load the development key
// from the environment; callers in a production path should supply a real
// key-management-backed key instead.
func NewRotationCoordinator(storage Storage, m *metrics, macKey []byte, macRef string) *RotationCoordinator {
	if macKey == nil {
		if devKey, ok := DevHMACKey(); ok {
			macKey = devKey
			macRef = devMACKeyRef
		}
	}
	return &RotationCoordinator{
		storage:   storage,
		metrics:   m,
		macKey:    macKey,
		macRef:    macRef,
		rotations: make(map[string]*RotationRecord),
		versions:  make(map[versionKey]*SecretVersionRecord),
		current:   make(map[string]string),
	}
}

// be32 returns n as a 4-byte big-endian length prefix.
func be32(n int) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	return b[:]
}

// canonicalMACInput builds the length-prefixed canonical MAC input:
// be32(|client_id|) || client_id || be32(|version_id|) || version_id
// || be32(|secret|) || secret, UTF-8, no normalization.
func canonicalMACInput(clientID, versionID, secret string) []byte {
	c, v, s := []byte(clientID), []byte(versionID), []byte(secret)
	out := make([]byte, 0, 12+len(c)+len(v)+len(s))
	out = append(out, be32(len(c))...)
	out = append(out, c...)
	out = append(out, be32(len(v))...)
	out = append(out, v...)
	out = append(out, be32(len(s))...)
	out = append(out, s...)
	return out
}

// hmacSignBase64URL computes HMAC-SHA256 over data under key and returns the
// base64url-no-pad tag, the secret_hash wire format.
func hmacSignBase64URL(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	tag := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(tag)
}

func base64URLNoPadDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// generateSecret returns a fresh 32-byte base64url-no-pad secret, used only
// for the local/dev prepare path. It is held in memory only
// long enough to compute the MAC and is never logged or persisted.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating rotation secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// PrepareRotation executes the prepare phase: validates shape, generates a new
// secret, computes secret_hash, and writes pending version + rotation
// records. The plaintext secret never leaves this function.
func (rc *RotationCoordinator) PrepareRotation(ctx context.Context, req RotationRequest) (*RotationRecord, error) {
	log := gwlog.WithComponent("rotation")

	if req.ActionID == "" || req.ClientID == "" {
		return nil, wrapErr(ClassValidation, "MissingTag", nil)
	}
	if len(rc.macKey) == 0 {
		return nil, ErrConfiguration("rotation MAC key not configured")
	}

	versionID := uuid.NewString()

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	input := canonicalMACInput(req.ClientID, versionID, secret)
	secretHash := hmacSignBase64URL(rc.macKey, input)

	notBefore := time.Now().Add(DefaultNotBeforeDelay)
	if req.NotBeforeMs > 0 {
		notBefore = time.UnixMilli(req.NotBeforeMs)
	}

	var graceUntil time.Time
	if req.GraceDurationMs > 0 {
		graceUntil = notBefore.Add(time.Duration(req.GraceDurationMs) * time.Millisecond)
	}

	version := &SecretVersionRecord{
		ClientID:       req.ClientID,
		VersionID:      versionID,
		SecretHash:     secretHash,
		MACKeyRef:      rc.macRef,
		NotBeforeMs:    notBefore.UnixMilli(),
		State:          VersionPending,
		RotationReason: req.RotationReason,
	}

	record := &RotationRecord{
		RotationID:     req.ActionID,
		ClientID:       req.ClientID,
		NewVersionID:   versionID,
		NotBefore:      notBefore,
		GraceUntil:     graceUntil,
		QuorumRequired: DefaultQuorumRequired,
		QuorumAcks:     0,
		Outcome:        RotationNone,
	}

	rc.mu.Lock()
	rc.versions[versionKey{req.ClientID, versionID}] = version
	rc.rotations[req.ActionID] = record
	rc.mu.Unlock()

	log.Info().Str("rotation_id", req.ActionID).Str("client_id", req.ClientID).
		Str("version_id", versionID).Msg("rotation prepared")
	if rc.metrics != nil {
		rc.metrics.rotationPrepared.Inc()
	}

	return record, nil
}

// Ack processes a service-ack for a rotation. It increments
// quorum_acks and, once the quorum is met, promotes in a single critical
// section so partial failure leaves the rotation recoverable in state
// "none" rather than half-applied.
func (rc *RotationCoordinator) Ack(ctx context.Context, actionID string) (*RotationRecord, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	record, ok := rc.rotations[actionID]
	if !ok {
		return nil, fmt.Errorf("unknown rotation id %q", actionID)
	}
	if record.Outcome != RotationNone {
		return record, nil
	}

	record.QuorumAcks++
	if record.QuorumAcks < record.QuorumRequired {
		return record, nil
	}

	return rc.promoteLocked(record)
}

// promoteLocked performs the promotion: the previously current
// version (if any) moves to grace, the new version becomes current, and the
// rotation outcome becomes promoted. Caller must hold rc.mu.
func (rc *RotationCoordinator) promoteLocked(record *RotationRecord) (*RotationRecord, error) {
	newKey := versionKey{record.ClientID, record.NewVersionID}
	newVersion, ok := rc.versions[newKey]
	if !ok {
		return record, fmt.Errorf("missing version record for rotation %q", record.RotationID)
	}

	if prevID, ok := rc.current[record.ClientID]; ok && prevID != record.NewVersionID {
		if prev, ok := rc.versions[versionKey{record.ClientID, prevID}]; ok {
			prev.State = VersionGrace
			record.OldVersionID = prevID
		}
	}

	newVersion.State = VersionCurrent
	rc.current[record.ClientID] = record.NewVersionID
	record.Outcome = RotationPromoted

	gwlog.WithComponent("rotation").Info().
		Str("rotation_id", record.RotationID).
		Str("client_id", record.ClientID).
		Str("version_id", record.NewVersionID).
		Msg("rotation promoted")
	if rc.metrics != nil {
		rc.metrics.rotationPromoted.Inc()
	}

	return record, nil
}

// CurrentVersion returns the version record currently marked current for a
// client, if any.
func (rc *RotationCoordinator) CurrentVersion(clientID string) (*SecretVersionRecord, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	id, ok := rc.current[clientID]
	if !ok {
		return nil, false
	}
	v, ok := rc.versions[versionKey{clientID, id}]
	return v, ok
}

// Rotation returns the rotation record by id, if any.
func (rc *RotationCoordinator) Rotation(actionID string) (*RotationRecord, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, ok := rc.rotations[actionID]
	return r, ok
}
