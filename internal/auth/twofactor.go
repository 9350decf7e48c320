package auth

// TwoFactorVerifier checks a supplied second-factor code for an identity.
type TwoFactorVerifier interface {
	Verify(identity Identity, code string) bool
}

// CodeLengthVerifier only checks the code's shape. It performs no one-time-code
// check; replace it with a TOTP-backed verifier where real 2FA is required.
type CodeLengthVerifier struct {
	Length int
}

func (v CodeLengthVerifier) Verify(_ Identity, code string) bool {
	length := v.Length
	if length <= 0 {
		length = 6
	}
	return len(code) == length
}
