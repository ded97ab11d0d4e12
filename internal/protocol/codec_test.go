package protocol

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newTestCodec(t *testing.T) (*Codec, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	c, err := NewCodec(pemKey)
	if err != nil {
		t.Fatal(err)
	}
	return c, priv
}

func rsaOpen(t *testing.T, priv *rsa.PrivateKey, b64 string) []byte {
	t.Helper()
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := rsa.DecryptPKCS1v15(nil, priv, ct)
	if err != nil {
		t.Fatal(err)
	}
	return plain
}

func TestSealRoundTrip(t *testing.T) {
	c, priv := newTestCodec(t)

	payload := map[string]any{
		"venueId": "42",
		"date":    "2026-08-26",
		"spaces":  []string{"18:00-19:00"},
	}
	env, err := c.Seal(payload)
	if err != nil {
		t.Fatal(err)
	}

	key := rsaOpen(t, priv, env.Sid)
	if len(key) != sessionKeyLen {
		t.Fatalf("session key length %d, want %d", len(key), sessionKeyLen)
	}
	for _, b := range key {
		if !strings.ContainsRune(sessionKeyAlphabet, rune(b)) {
			t.Fatalf("session key byte %q outside alphabet", b)
		}
	}

	ct, err := base64.StdEncoding.DecodeString(env.Body)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := aesECBDecrypt(key, ct)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(plain, &decoded); err != nil {
		t.Fatalf("body not JSON after decrypt: %v (%q)", err, plain)
	}
	if decoded["venueId"] != "42" || decoded["date"] != "2026-08-26" {
		t.Fatalf("payload mangled: %v", decoded)
	}

	// tim carries a plausible millisecond timestamp
	ms, err := strconv.ParseInt(string(rsaOpen(t, priv, env.Tim)), 10, 64)
	if err != nil {
		t.Fatal(err)
	}
	drift := time.Since(time.UnixMilli(ms))
	if drift < 0 || drift > time.Minute {
		t.Fatalf("timestamp drift %v", drift)
	}
}

func TestSealFreshKeyPerCall(t *testing.T) {
	c, priv := newTestCodec(t)
	e1, err := c.Seal(map[string]string{"a": "1"})
	if err != nil {
		t.Fatal(err)
	}
	e2, err := c.Seal(map[string]string{"a": "1"})
	if err != nil {
		t.Fatal(err)
	}
	if string(rsaOpen(t, priv, e1.Sid)) == string(rsaOpen(t, priv, e2.Sid)) {
		t.Fatal("session key reused across envelopes")
	}
}

func TestMarshalCompactNoHTMLEscape(t *testing.T) {
	out, err := marshalCompact(map[string]string{"u": "/a?b=1&c=2"})
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if strings.Contains(s, `\u0026`) {
		t.Fatalf("ampersand HTML-escaped: %s", s)
	}
	if strings.HasSuffix(s, "\n") {
		t.Fatal("trailing newline survived")
	}
}

func TestPKCS7(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 33} {
		plain := make([]byte, n)
		for i := range plain {
			plain[i] = byte(i)
		}
		padded := pkcs7Pad(plain, 16)
		if len(padded)%16 != 0 {
			t.Fatalf("len %d: padded to %d", n, len(padded))
		}
		back, err := pkcs7Unpad(padded, 16)
		if err != nil {
			t.Fatalf("len %d: %v", n, err)
		}
		if string(back) != string(plain) {
			t.Fatalf("len %d: round trip mismatch", n)
		}
	}

	if _, err := pkcs7Unpad([]byte{1, 2, 3}, 16); err == nil {
		t.Fatal("unaligned input accepted")
	}
	bad := make([]byte, 16)
	bad[15] = 17 // pad > block size
	if _, err := pkcs7Unpad(bad, 16); err == nil {
		t.Fatal("oversized padding accepted")
	}
}

func TestNewCodecRejectsGarbage(t *testing.T) {
	if _, err := NewCodec("not a key"); err == nil {
		t.Fatal("garbage key accepted")
	}
	if _, err := NewCodec("-----BEGIN PUBLIC KEY-----\nQUJD\n-----END PUBLIC KEY-----\n"); err == nil {
		t.Fatal("malformed DER accepted")
	}
}

func TestDecodeSign(t *testing.T) {
	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name  string
		sign  string
		ok    bool
		start string
		end   string
		date  string
	}{
		{
			name:  "embedded json",
			sign:  b64(`slot:{"startTime":"18:00:00","endTime":"19:00","date":"2026-08-26"}`),
			ok:    true,
			start: "18:00", end: "19:00", date: "2026-08-26",
		},
		{
			name:  "free text times",
			sign:  b64("羽毛球 9:00 至 10:00 一号场"),
			ok:    true,
			start: "09:00", end: "10:00",
		},
		{
			name: "single time",
			sign: b64("starts 20:30"),
			ok:   true, start: "20:30",
		},
		{name: "opaque bytes", sign: b64("\x01\x02opaque"), ok: false},
		{name: "not base64", sign: "%%%", ok: false},
		{name: "empty", sign: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := DecodeSign(tt.sign)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v (info %+v)", ok, tt.ok, info)
			}
			if !ok {
				return
			}
			if info.Start != tt.start || info.End != tt.end || info.Date != tt.date {
				t.Fatalf("decoded %+v, want %s-%s %s", info, tt.start, tt.end, tt.date)
			}
		})
	}
}
