package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"newsletter/internal/app"
	"newsletter/internal/logging"
)

func main() {
	a, err := app.Load(context.Background(), "confirm", os.Getenv)
	if err != nil {
		l := logging.Default("confirm")
		l.Fatal().Err(err).Msg("configuration error")
	}

	lambda.Start(a.Confirm().Confirm)
}
