package mlsgw

import (
	"encoding/base64"
	"encoding/hex"

	"fiatjaf.com/nostr"
)

// DeclaredEncoding reports which encoding an incoming event declares via its
// "encoding" tag: absent means hex, "base64" means base64, "hex" means hex.
// Any other value is rejected.
func DeclaredEncoding(tags nostr.Tags) (string, error) {
	switch v := firstTagValue(tags, "encoding"); v {
	case "":
		return "hex", nil
	case "hex", "base64":
		return v, nil
	default:
		return "", wrapErr(ClassValidation, "UnsupportedEncoding", nil)
	}
}

// DecodeKeyPackageContent decodes incoming keypackage content according to
// its declared encoding. Ingest accepts standard, standard-no-pad, url-safe,
// and url-safe-no-pad base64 variants and lowercase hex; all empty inputs
// fail.
func DecodeKeyPackageContent(content string, declared string) ([]byte, error) {
	if content == "" {
		return nil, wrapErr(ClassValidation, "InvalidContent", nil)
	}

	switch declared {
	case "hex":
		b, err := hex.DecodeString(content)
		if err != nil {
			return nil, wrapErr(ClassValidation, "InvalidContent", err)
		}
		return b, nil
	case "base64":
		b, err := decodeBase64Flexible(content)
		if err != nil {
			return nil, wrapErr(ClassValidation, "InvalidContent", err)
		}
		return b, nil
	default:
		return nil, wrapErr(ClassValidation, "UnsupportedEncoding", nil)
	}
}

// decodeBase64Flexible tries the accepted base64 variants in a deterministic
// order. Strict decoding (trailing padding bits must be zero) keeps the
// stored-content hex fallback reachable: a lenient decoder would accept
// nearly any even-length hex string as base64.
func decodeBase64Flexible(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.Strict().DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.Strict().DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.Strict().DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.Strict().DecodeString(s)
}

// CanonicalEncode produces the canonical, standard-padded base64 form used
// for storage. Every keypackage is re-encoded to this form on ingest.
func CanonicalEncode(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeStoredContent decodes content already in canonical storage form,
// falling back through base64 variants and finally hex for legacy records
// written before this encoding was normalized.
func DecodeStoredContent(stored string) ([]byte, error) {
	if stored == "" {
		return nil, wrapErr(ClassValidation, "InvalidContent", nil)
	}
	if b, err := decodeBase64Flexible(stored); err == nil {
		return b, nil
	}
	if b, err := hex.DecodeString(stored); err == nil {
		return b, nil
	}
	return nil, wrapErr(ClassValidation, "InvalidContent", nil)
}

// EncodeHex returns the lowercase hex emission form of raw bytes.
func EncodeHex(raw []byte) string {
	return hex.EncodeToString(raw)
}

// IsValidHexContent reports whether s is non-empty, even-length, lowercase
// hex, the wire shape required of kind 443 content.
func IsValidHexContent(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}
