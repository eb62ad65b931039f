// Package bundle encodes the offline export files devices hand to each other
// out of band: base64url over gzip over JSON.
package bundle

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/gzip"

	"shopsync/backend/internal/domain"
)

var (
	ErrUnknownType = errors.New("unknown bundle type")
	ErrMalformed   = errors.New("malformed bundle")
	ErrInvalid     = errors.New("invalid bundle")
)

// maxDecoded bounds the inflated size of a bundle.
const maxDecoded = 64 << 20

var validate = validator.New()

// FieldError names one failed validation rule.
type FieldError struct {
	Field string
	Tag   string
	Param string
}

func (e FieldError) String() string {
	if e.Param == "" {
		return e.Field + ":" + e.Tag
	}
	return e.Field + ":" + e.Tag + "=" + e.Param
}

// ValidationError lists every rule a decoded bundle broke.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	return "invalid bundle: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func Encode(b domain.Bundle) (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("compress bundle: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress bundle: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode parses and validates an encoded bundle. Padded or standard base64
// produced by other tools is accepted too.
func Decode(encoded string) (domain.Bundle, error) {
	compressed, err := decodeBase64(strings.TrimSpace(encoded))
	if err != nil {
		return domain.Bundle{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return domain.Bundle{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, maxDecoded+1))
	if err != nil {
		return domain.Bundle{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(raw) > maxDecoded {
		return domain.Bundle{}, fmt.Errorf("%w: larger than %d bytes", ErrMalformed, maxDecoded)
	}

	var b domain.Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return domain.Bundle{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := Validate(b); err != nil {
		return domain.Bundle{}, err
	}
	return b, nil
}

func Validate(b domain.Bundle) error {
	switch b.Type {
	case domain.BundleShiftReport, domain.BundleStaffInvite, domain.BundleStockUpdate, domain.BundleFullClone:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, b.Type)
	}
	err := validate.Struct(b)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.StructNamespace(), Tag: fe.Tag(), Param: fe.Param()})
	}
	return out
}

func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}
	var firstErr error
	for _, enc := range encodings {
		out, err := enc.DecodeString(s)
		if err == nil {
			return out, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
