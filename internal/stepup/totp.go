package stepup

import (
	"fmt"
	"net/url"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// codePeriod is the TOTP step in seconds.
	codePeriod = 30

	// codeSkew is the number of steps accepted either side of "now".
	// Ten steps each way gives a ±5 minute window, deliberately far wider
	// than the canonical ±30s to tolerate client clock drift. The widened
	// replay window is closed by the single-use guard in Service.VerifyCode.
	codeSkew = 10
)

var validateOpts = totp.ValidateOpts{
	Period:    codePeriod,
	Skew:      codeSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// GenerateSecret creates a fresh TOTP secret for the given account.
func GenerateSecret(issuer, accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      codePeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return key.Secret(), nil
}

// GenerateCode computes the 6-digit code for the secret at the given time.
func GenerateCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, validateOpts)
}

// ValidateCode checks a 6-digit code against the secret within the widened
// acceptance window. It is a pure check: single-use enforcement is the
// caller's responsibility.
func ValidateCode(code, secret string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, validateOpts)
	return err == nil && ok
}

// ProvisioningURI builds the otpauth:// URI QR-encoded by enrollment UIs.
func ProvisioningURI(issuer, accountName, secret string) string {
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", "6")
	q.Set("period", fmt.Sprintf("%d", codePeriod))
	return fmt.Sprintf("otpauth://totp/%s:%s?%s",
		url.PathEscape(issuer), url.PathEscape(accountName), q.Encode())
}
