package profile

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// ICCID layout: 89 (telecom) + country code + issuer id + 12-digit account
// number + Luhn check digit.
const (
	iccidCountryCode = "91"
	iccidIssuerCode  = "001"
)

func GenerateICCID() (string, error) {
	account, err := randomDigits(12)
	if err != nil {
		return "", err
	}
	partial := "89" + iccidCountryCode + iccidIssuerCode + account
	return partial + luhnCheckDigit(partial), nil
}

func randomDigits(n int) (string, error) {
	out := make([]byte, n)
	for i := range out {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		out[i] = byte('0' + d.Int64())
	}
	return string(out), nil
}

// luhnCheckDigit computes the digit that makes digits+check pass the Luhn
// checksum, doubling from the rightmost digit of the partial number.
func luhnCheckDigit(digits string) string {
	sum := 0
	double := true
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return fmt.Sprintf("%d", (10-sum%10)%10)
}
