package main

import (
	"context"
	"log"

	"github.com/dmitrijs2005/securemsg/internal/server"
	"github.com/dmitrijs2005/securemsg/internal/server/config"
)

func main() {
	cfg := config.LoadConfig()

	ctx := context.Background()
	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("securemsg: %v", err)
	}

	app.Run(ctx)
}
