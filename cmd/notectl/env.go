package main

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// loadDotenv 开发环境下读取当前目录的 .env，不覆盖已有环境变量。
func loadDotenv() {
	if strings.EqualFold(os.Getenv("NOTEVAULT_ENV"), "production") {
		return
	}
	if _, err := os.Stat(".env"); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("dotenv stat error: %v", err)
		}
		return
	}
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("dotenv load error: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}
