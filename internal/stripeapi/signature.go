package stripeapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/erauner12/stripesync/internal/db"
)

// DefaultTolerance bounds how far a signed timestamp may drift from
// local time before the payload is rejected as a replay.
const DefaultTolerance = 5 * time.Minute

// VerifySignature checks a provider signature header against the raw
// payload. The header carries a unix timestamp and one or more v1
// signatures; the signed input is "<t>.<payload>". Any matching v1
// within tolerance accepts.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return &db.Error{Kind: db.KindSignature, Err: errors.New("missing signature header")}
	}

	var ts int64
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return &db.Error{Kind: db.KindSignature, Err: fmt.Errorf("bad timestamp %q", v)}
			}
			ts = n
		case "v1":
			sig, err := hex.DecodeString(v)
			if err == nil {
				sigs = append(sigs, sig)
			}
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return &db.Error{Kind: db.KindSignature, Err: errors.New("signature header missing t or v1")}
	}

	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > tolerance {
		return &db.Error{Kind: db.KindSignature, Err: fmt.Errorf("timestamp outside tolerance (drift %ds)", drift)}
	}

	want := computeSignature(ts, payload, secret)
	for _, sig := range sigs {
		if hmac.Equal(sig, want) {
			return nil
		}
	}
	return &db.Error{Kind: db.KindSignature, Err: errors.New("no matching v1 signature")}
}

// SignPayload produces a signature header for payload at t. The live
// stream acks and the test suites both need to mint valid headers.
func SignPayload(payload []byte, secret string, t time.Time) string {
	ts := t.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(computeSignature(ts, payload, secret)))
}

func computeSignature(ts int64, payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return mac.Sum(nil)
}
