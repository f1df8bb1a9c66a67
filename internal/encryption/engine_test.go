package encryption

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onnwee/carevault/internal/keystore"
	"github.com/onnwee/carevault/internal/ledger"
)

func newTestStore(t *testing.T, opts ...keystore.Option) *keystore.Store {
	t.Helper()
	w, err := keystore.NewLocalWrapper(bytes.Repeat([]byte{0x5a}, keystore.KeySize))
	if err != nil {
		t.Fatalf("NewLocalWrapper() error = %v", err)
	}
	s, err := keystore.Open(context.Background(), keystore.NewMemoryPersister(), w, opts...)
	if err != nil {
		t.Fatalf("keystore.Open() error = %v", err)
	}
	return s
}

// recordingAuditor captures recorded events.
type recordingAuditor struct {
	mu     sync.Mutex
	events []ledger.Event
	err    error
}

func (a *recordingAuditor) Record(_ context.Context, ev ledger.Event) (ledger.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return ledger.Entry{}, a.err
	}
	a.events = append(a.events, ev)
	return ledger.Entry{Sequence: uint64(len(a.events))}, nil
}

func (a *recordingAuditor) recorded() []ledger.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ledger.Event(nil), a.events...)
}

func mustEncrypt(t *testing.T, e *Engine, plain string) []byte {
	t.Helper()
	env, err := e.Encrypt([]byte(plain))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	return env
}

func mustRotate(t *testing.T, e *Engine) uint32 {
	t.Helper()
	v, err := e.RotateKeys(context.Background())
	if err != nil {
		t.Fatalf("RotateKeys() error = %v", err)
	}
	return v
}

func envelopeVersion(env []byte) uint32 {
	return binary.BigEndian.Uint32(env[1:5])
}

func TestEngine_RoundTrip(t *testing.T) {
	for _, alg := range []keystore.Algorithm{keystore.AlgorithmAES256GCM, keystore.AlgorithmXChaCha20Poly1305} {
		t.Run(string(alg), func(t *testing.T) {
			e := NewEngine(newTestStore(t, keystore.WithAlgorithm(alg)))

			for _, plain := range []string{"", "Jane Doe", "penicillin allergy; see note 2025-01-04"} {
				env := mustEncrypt(t, e, plain)
				if env[0] != 0x01 {
					t.Errorf("format byte = %#x, want 0x01", env[0])
				}
				if v := envelopeVersion(env); v != 1 {
					t.Errorf("key version = %d, want 1", v)
				}

				got, err := e.Decrypt(env)
				if err != nil {
					t.Fatalf("Decrypt() error = %v", err)
				}
				if string(got) != plain {
					t.Errorf("Decrypt() = %q, want %q", got, plain)
				}
			}
		})
	}
}

func TestEngine_FreshNoncePerCall(t *testing.T) {
	e := NewEngine(newTestStore(t))
	a, err := e.EncryptString("same value")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	b, err := e.EncryptString("same value")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same value produced identical envelopes")
	}
}

func TestEngine_DecryptAfterRotation(t *testing.T) {
	auditor := &recordingAuditor{}
	e := NewEngine(newTestStore(t), WithAuditor(auditor))

	old, err := e.EncryptString("1985-04-12")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}

	if v := mustRotate(t, e); v != 2 {
		t.Errorf("RotateKeys() = %d, want 2", v)
	}
	wantInfo := keystore.Info{ActiveVersion: 2, TotalVersions: 2, Algorithm: keystore.AlgorithmAES256GCM}
	if got := e.KeyInfo(); got != wantInfo {
		t.Errorf("KeyInfo() = %+v, want %+v", got, wantInfo)
	}

	got, err := e.DecryptString(old)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if got != "1985-04-12" {
		t.Errorf("DecryptString() = %q, want 1985-04-12", got)
	}

	if v := envelopeVersion(mustEncrypt(t, e, "x")); v != 2 {
		t.Errorf("new envelope key version = %d, want 2", v)
	}

	events := auditor.recorded()
	if len(events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != ledger.EventKeyRotation || ev.Details["previous_version"] != "1" || ev.Details["active_version"] != "2" {
		t.Errorf("event = %s %v", ev.Type, ev.Details)
	}
}

func TestEngine_RotationAuditFailureStillRotates(t *testing.T) {
	auditor := &recordingAuditor{err: ledger.ErrAppendFailed}
	e := NewEngine(newTestStore(t), WithAuditor(auditor))

	v, err := e.RotateKeys(context.Background())
	if !errors.Is(err, ledger.ErrAppendFailed) {
		t.Errorf("RotateKeys() error = %v, want ErrAppendFailed", err)
	}
	if v != 2 {
		t.Errorf("RotateKeys() = %d, want 2", v)
	}
	if got := e.KeyInfo().ActiveVersion; got != 2 {
		t.Errorf("ActiveVersion = %d, want 2", got)
	}
}

func TestEngine_DecryptFailures(t *testing.T) {
	e := NewEngine(newTestStore(t))
	env := mustEncrypt(t, e, "secret")

	tamperedTag := bytes.Clone(env)
	tamperedTag[len(tamperedTag)-1] ^= 0xff

	tamperedBody := bytes.Clone(env)
	tamperedBody[5+12] ^= 0x01

	unknownVersion := bytes.Clone(env)
	binary.BigEndian.PutUint32(unknownVersion[1:5], 9)

	tests := []struct {
		name     string
		envelope []byte
		kind     error
	}{
		{"empty", nil, ErrMalformedEnvelope},
		{"short header", []byte{0x01, 0x00}, ErrMalformedEnvelope},
		{"bad format byte", append([]byte{0x02}, env[1:]...), ErrMalformedEnvelope},
		{"truncated body", env[:10], ErrMalformedEnvelope},
		{"unknown version", unknownVersion, ErrUnknownKeyVersion},
		{"tag mismatch", tamperedTag, ErrAuthentication},
		{"ciphertext altered", tamperedBody, ErrAuthentication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Decrypt(tt.envelope)
			if got != nil {
				t.Errorf("Decrypt() = %q, want nil", got)
			}
			if !errors.Is(err, ErrDecryptionFailed) || !errors.Is(err, tt.kind) {
				t.Errorf("Decrypt() error = %v, want ErrDecryptionFailed wrapping %v", err, tt.kind)
			}
		})
	}
}

func TestEngine_VersionHeaderIsAuthenticated(t *testing.T) {
	e := NewEngine(newTestStore(t))
	env := mustEncrypt(t, e, "secret")
	mustRotate(t, e)

	// Relabel a v1 envelope as v2: both keys exist, but the header is AAD.
	relabeled := bytes.Clone(env)
	binary.BigEndian.PutUint32(relabeled[1:5], 2)
	if _, err := e.Decrypt(relabeled); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Decrypt() error = %v, want ErrAuthentication", err)
	}
}

func TestEngine_DecryptStringInvalidBase64(t *testing.T) {
	e := NewEngine(newTestStore(t))
	_, err := e.DecryptString("not base64!")
	if !errors.Is(err, ErrDecryptionFailed) || !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("DecryptString() error = %v, want malformed envelope", err)
	}
}

type failingKeys struct{}

func (failingKeys) Active() (keystore.Key, error) { return keystore.Key{}, keystore.ErrNoActiveKey }
func (failingKeys) Lookup(uint32) (keystore.Key, error) {
	return keystore.Key{}, keystore.ErrUnknownVersion
}
func (failingKeys) Rotate(context.Context) (keystore.KeyVersion, error) {
	return keystore.KeyVersion{}, errors.New("unavailable")
}
func (failingKeys) Info() keystore.Info { return keystore.Info{} }

func TestEngine_EncryptWithoutActiveKey(t *testing.T) {
	e := NewEngine(failingKeys{})
	_, err := e.Encrypt([]byte("x"))
	if !errors.Is(err, ErrEncryptionFailed) || !errors.Is(err, keystore.ErrNoActiveKey) {
		t.Errorf("Encrypt() error = %v, want ErrEncryptionFailed wrapping ErrNoActiveKey", err)
	}

	if _, err := e.RotateKeys(context.Background()); err == nil {
		t.Error("RotateKeys() succeeded with an unavailable key store")
	}
}

func TestEngine_LazyReencryption(t *testing.T) {
	e := NewEngine(newTestStore(t))
	env := mustEncrypt(t, e, "MRN-0042")
	if e.NeedsReencryption(env) {
		t.Error("fresh envelope needs re-encryption")
	}

	same, err := e.Reencrypt(env)
	if err != nil {
		t.Fatalf("Reencrypt() error = %v", err)
	}
	if !bytes.Equal(same, env) {
		t.Error("Reencrypt() changed an envelope already on the active key")
	}

	mustRotate(t, e)
	if !e.NeedsReencryption(env) {
		t.Error("v1 envelope does not need re-encryption after rotation")
	}

	moved, err := e.Reencrypt(env)
	if err != nil {
		t.Fatalf("Reencrypt() error = %v", err)
	}
	if e.NeedsReencryption(moved) {
		t.Error("re-encrypted envelope still needs re-encryption")
	}
	plain, err := e.Decrypt(moved)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(plain) != "MRN-0042" {
		t.Errorf("Decrypt() = %q, want MRN-0042", plain)
	}

	if _, err := e.Reencrypt([]byte{0x09}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("Reencrypt(garbage) error = %v, want ErrMalformedEnvelope", err)
	}
}

func TestEngine_Metrics(t *testing.T) {
	m := NewMetrics()
	e := NewEngine(newTestStore(t), WithMetrics(m))

	env := mustEncrypt(t, e, "a")
	if _, err := e.Decrypt(env); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	_, _ = e.Decrypt([]byte{0x01})
	mustRotate(t, e)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"encrypt success", testutil.ToFloat64(m.operations.WithLabelValues("encrypt", "success")), 1},
		{"decrypt success", testutil.ToFloat64(m.operations.WithLabelValues("decrypt", "success")), 1},
		{"decrypt error", testutil.ToFloat64(m.operations.WithLabelValues("decrypt", "error")), 1},
		{"rotations", testutil.ToFloat64(m.keyRotations), 1},
		{"active version", testutil.ToFloat64(m.activeKeyVersion), 2},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestEnvelope_TextFormIsStandardBase64(t *testing.T) {
	e := NewEngine(newTestStore(t))
	s, err := e.EncryptString("x")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("DecodeString() error = %v", err)
	}
	if raw[0] != 0x01 {
		t.Errorf("format byte = %#x, want 0x01", raw[0])
	}
}
