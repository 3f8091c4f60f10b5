package config

import (
	"os"
	"strconv"
	"time"
)

func GetenvStr(key string) string {
	return os.Getenv(key)
}

func GetenvStrOr(key, fallback string) string {
	if v := GetenvStr(key); v != "" {
		return v
	}
	return fallback
}

func GetenvInt(key string) (*int, error) {
	s := GetenvStr(key)
	if s == "" {
		return nil, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		var i int
		return &i, err
	}
	return &v, nil
}

func GetenvBool(key string) (*bool, error) {
	s := GetenvStr(key)
	if s == "" {
		b := false
		return &b, nil
	}

	v, err := strconv.ParseBool(s)
	if err != nil {
		b := false
		return &b, err
	}
	return &v, nil
}

func GetenvDuration(key string) (*time.Duration, error) {
	s := GetenvStr(key)
	if s == "" {
		return nil, nil
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		var d time.Duration
		return &d, err
	}
	return &v, nil
}
