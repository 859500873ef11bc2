package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("kvstore", "a replicated key-value storage server", NewService())
}
