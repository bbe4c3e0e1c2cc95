package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// macSize is the length of the HMAC-SHA256 tag appended to the payload.
const macSize = sha256.Size

// Claims is the CBOR payload of a bearer token.
type Claims struct {
	Subject   string   `cbor:"1,keyasint"`
	Scopes    []string `cbor:"2,keyasint"`
	IssuedAt  int64    `cbor:"3,keyasint"`
	ExpiresAt int64    `cbor:"4,keyasint"`
	ID        string   `cbor:"5,keyasint"`
}

var (
	errTokenTooShort    = errors.New("token too short for signature")
	errInvalidSignature = errors.New("invalid token signature")
	errTokenExpired     = errors.New("token has expired")
)

// encMode uses Core Deterministic Encoding so equal claims always sign
// identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("auth: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("auth: CBOR decoder initialization failed: " + err.Error())
	}
}

// mint encodes claims and appends the MAC, returning the transport form.
func mint(key []byte, c Claims) (string, error) {
	payload, err := encMode.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode token payload: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	raw := mac.Sum(payload)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// parse checks the MAC before decoding anything, then checks expiry
// against now. On expiry the decoded claims are returned with the error.
func parse(key []byte, token string, now time.Time) (Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Claims{}, fmt.Errorf("decode token: %w", err)
	}
	if len(raw) <= macSize {
		return Claims{}, errTokenTooShort
	}
	payload, sig := raw[:len(raw)-macSize], raw[len(raw)-macSize:]
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Claims{}, errInvalidSignature
	}
	var c Claims
	if err := decMode.Unmarshal(payload, &c); err != nil {
		return Claims{}, fmt.Errorf("decode token payload: %w", err)
	}
	if c.Subject == "" || c.ExpiresAt == 0 {
		return Claims{}, errors.New("token payload missing required claims")
	}
	if now.Unix() >= c.ExpiresAt {
		return c, errTokenExpired
	}
	return c, nil
}
