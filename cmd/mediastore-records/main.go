// Package main is the entry point for mediastore-records, the media record
// export/import tool. It also mints bearer tokens for the mutating API.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/akshaykher243/payload-template/internal/auth"
	"github.com/akshaykher243/payload-template/internal/config"
	"github.com/akshaykher243/payload-template/internal/serialization"
)

const usage = "Usage: mediastore-records <export|import|token> [flags]"

func resolveDBPath(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Records.Path, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	case "token":
		os.Exit(runToken(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "mediastore.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	collection := fs.String("collection", "", "Only export records of this collection")
	fs.Parse(args)

	db := *dbPath
	if db == "" {
		var err error
		db, err = resolveDBPath(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			return 1
		}
	}

	result, err := serialization.ExportRecords(db, &serialization.ExportOptions{Collection: *collection})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(result)
		return 0
	}
	if err := os.WriteFile(*output, []byte(result+"\n"), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "mediastore.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Replace mode (DELETE then INSERT)")
	fs.Parse(args)

	db := *dbPath
	if db == "" {
		var err error
		db, err = resolveDBPath(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			return 1
		}
	}

	var jsonData []byte
	var err error
	if *input == "-" {
		jsonData, err = os.ReadFile("/dev/stdin")
	} else {
		jsonData, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	result, err := serialization.ImportRecords(db, string(jsonData), &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	msg := fmt.Sprintf("  %s: %d imported", serialization.Table, result.Inserted)
	if result.Skipped > 0 {
		msg += fmt.Sprintf(", %d skipped", result.Skipped)
	}
	fmt.Fprintln(os.Stderr, msg)
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}

func runToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "mediastore.yaml", "Config file path")
	subject := fs.String("subject", "", "Token subject (user id)")
	role := fs.String("role", "editor", "Role claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	fs.Parse(args)

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "Error: --subject is required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return 1
	}

	token, err := auth.IssueToken(cfg.Auth.JWTSecret, *subject, *role, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error issuing token: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
