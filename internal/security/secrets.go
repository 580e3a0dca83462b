package security

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"
)

var pinRange = big.NewInt(900000)

// GeneratePin returns a 6-digit PIN drawn uniformly from [100000, 999999].
func GeneratePin() (string, error) {
	n, err := rand.Int(rand.Reader, pinRange)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}

// GenerateQRToken returns an opaque token of the form CHK_<16 hex chars>.
func GenerateQRToken() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "CHK_" + strings.ToUpper(hex.EncodeToString(b)), nil
}

// GenerateBackupCodes returns count codes from the PIN generator. Collisions
// with each other or the primary PIN are acceptable; codes are not deduplicated.
func GenerateBackupCodes(count int) ([]string, error) {
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := GeneratePin()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// MaskPin keeps only the first two digits for diagnostics.
func MaskPin(pin string) string {
	if pin == "" {
		return "******"
	}
	prefix := pin
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return prefix + "****"
}
