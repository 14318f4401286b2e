package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// OperatorClaim is carried by the badge token an operator scans at a station.
type OperatorClaim struct {
	OperatorId   int    `json:"operator_id"`
	OperatorCode string `json:"operator_code"`
	MachineCode  string `json:"machine_code,omitempty"`
	jwt.StandardClaims
}

var jwtSecret = []byte(getJwtSecret())

func getJwtSecret() string {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return "Production-Secret"
	}
	return secret
}

func tokenLifespan() time.Duration {
	hours, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN"))
	if err != nil || hours <= 0 {
		hours = 12
	}
	return time.Duration(hours) * time.Hour
}

func JwtGenerate(operatorId int, operatorCode, machineCode string) (string, error) {
	if operatorId <= 0 || operatorCode == "" {
		return "", errors.New("operator id and code are required")
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &OperatorClaim{
		OperatorId:   operatorId,
		OperatorCode: operatorCode,
		MachineCode:  machineCode,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(tokenLifespan()).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	})
	return t.SignedString(jwtSecret)
}

func JwtValidate(token string) (*OperatorClaim, error) {
	parsed, err := jwt.ParseWithClaims(token, &OperatorClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claim, ok := parsed.Claims.(*OperatorClaim)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid operator token")
	}
	return claim, nil
}
