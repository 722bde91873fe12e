package main

import "github.com/bnema/wlproto/internal/logger"

func main() {
	if err := Execute(); err != nil {
		logger.Fatal("wlproto failed", "error", err)
	}
}
