package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

type IDType string

const (
	IDTypeItem         IDType = "item"
	IDTypeTree         IDType = "tree"
	IDTypeFramework    IDType = "fw"
	IDTypeNotification IDType = "ntf"
)

var validIDTypes = map[IDType]bool{
	IDTypeItem:         true,
	IDTypeTree:         true,
	IDTypeFramework:    true,
	IDTypeNotification: true,
}

var idRegex = regexp.MustCompile(`^(item|tree|fw|ntf)_[0-9]{10}_[0-9a-f]{8}$`)

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	hexStr := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, hexStr), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}
