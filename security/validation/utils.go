package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/holiman/uint256"
	"github.com/mezonai/peerpay/common"
	"github.com/mezonai/peerpay/errors"
	"golang.org/x/text/unicode/norm"
)

var InjectionRegexp = BuildInjectionPatterns()

// BuildInjectionPatterns builds regexp for injection detection (case-insensitive)
func BuildInjectionPatterns() *regexp.Regexp {
	parts := make([]string, 0, len(InjectionPatterns))
	for _, pattern := range InjectionPatterns {
		pNorm := norm.NFC.String(pattern)
		parts = append(parts, regexp.QuoteMeta(pNorm))
	}
	// (?i) for case-insensitive
	return regexp.MustCompile("(?i)" + strings.Join(parts, "|"))
}

// NormalizeMemo returns the NFC form stored in the package.
func NormalizeMemo(memo string) string {
	return norm.NFC.String(strings.TrimSpace(memo))
}

// ValidateMemo checks length, control characters and injection patterns of
// the normalized memo. An empty memo is valid.
func ValidateMemo(memo string) error {
	normalized := NormalizeMemo(memo)
	if !utf8.ValidString(normalized) {
		return errors.NewError(errors.KindValidation, errors.CodeInvalidMemo, errors.ErrMsgMemoInvalidCharacters)
	}
	if utf8.RuneCountInString(normalized) > MaxMemoLength {
		return errors.NewError(
			errors.KindValidation,
			errors.CodeInvalidMemo,
			fmt.Sprintf(errors.ErrMsgMemoTooLong, MaxMemoLength),
		)
	}
	for _, r := range normalized {
		if unicode.IsControl(r) && r != '\n' {
			return errors.NewError(errors.KindValidation, errors.CodeInvalidMemo, errors.ErrMsgMemoInvalidCharacters)
		}
	}
	if InjectionRegexp.MatchString(normalized) {
		return errors.NewError(errors.KindValidation, errors.CodeInvalidMemo, errors.ErrMsgMemoInvalidCharacters)
	}
	return nil
}

// ValidateRecipient checks the base58 ed25519 address and rejects sending to self.
func ValidateRecipient(recipient, sender string) error {
	if err := common.ValidateAddress(recipient); err != nil {
		return errors.Wrap(errors.KindValidation, errors.CodeInvalidAddress, errors.ErrMsgInvalidAddress, err)
	}
	if recipient == sender {
		return errors.NewError(errors.KindValidation, errors.CodeInvalidAddress, "Cannot send to your own wallet")
	}
	return nil
}

// ValidateAmount requires a strictly positive amount.
func ValidateAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errors.NewError(errors.KindTransaction, errors.CodeInvalidAmount, errors.ErrMsgInvalidAmount)
	}
	return nil
}

func ValidateSymbol(symbol string) error {
	if symbol == "" || len(symbol) > MaxSymbolLength {
		return errors.Newf(errors.KindValidation, errors.CodeInvalidInput, "%s must be 1-%d characters", SymbolField, MaxSymbolLength)
	}
	for _, r := range symbol {
		if !(unicode.IsUpper(r) || unicode.IsDigit(r)) || r > unicode.MaxASCII {
			return errors.Newf(errors.KindValidation, errors.CodeInvalidInput, "%s %q is not an upper case ticker", SymbolField, symbol)
		}
	}
	return nil
}

// ValidateTxAddress reports whether addr is a usable wallet address.
func ValidateTxAddress(addr string) bool {
	return common.ValidateAddress(addr) == nil
}
