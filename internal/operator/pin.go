package operator

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var weakPins = map[string]bool{
	"0000": true, "1111": true, "2222": true, "3333": true, "4444": true, "5555": true,
	"6666": true, "7777": true, "8888": true, "9999": true, "1234": true, "4321": true,
	"1357": true, "2468": true, "9876": true, "0123": true,
}

// checkPinStrength rejects PINs that are on the weak list, repeat a single
// digit, or run in sequence (ascending or descending).
func checkPinStrength(pin string) error {
	if weakPins[pin] {
		return errors.New("is too common")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return errors.New("must not repeat a single digit")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return errors.New("must not be sequential")
	}
	return nil
}

func hashPin(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// pinMatches compares with bcrypt, the same primitive used for account
// passwords. An empty hash never matches.
func pinMatches(hash string, pin string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}
