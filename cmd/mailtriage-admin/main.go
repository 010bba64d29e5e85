package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		cancel()
	}()

	command := os.Args[1]

	switch command {
	case "migrate":
		handleMigrateCommand(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Mailtriage Admin Tool

Usage:
  mailtriage-admin <command> [options]

Commands:
  migrate   Manage the database schema (up, down, version, force)
  help      Show this help message

Examples:
  mailtriage-admin migrate up
  mailtriage-admin migrate version
  mailtriage-admin migrate down --limit 1

Use 'mailtriage-admin <command> --help' for more information about a command.
`)
}
