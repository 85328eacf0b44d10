package domain

import (
	"crypto/rand"
	"math/big"
	"net"
	"strconv"
	"strings"
)

const CodeLen = 6

// codeAlphabet drops 0/O and 1/I so spoken codes stay unambiguous.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateCode returns a fresh 6 character session code.
func GenerateCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < CodeLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode strips everything but letters and digits and upper-cases the rest.
func NormalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatCode renders a code as XXX-XXX for display.
func FormatCode(code string) string {
	n := NormalizeCode(code)
	if len(n) != CodeLen {
		return n
	}
	return n[:3] + "-" + n[3:]
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
