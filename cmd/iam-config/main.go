package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/iam"
	"github.com/oarkflow/iam/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("iam-config - Configuration tool for iam")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  iam-config convert <input> <output>  - Convert between formats")
	fmt.Println("  iam-config validate <file>           - Validate configuration")
	fmt.Println("  iam-config stats <file>              - Show configuration statistics")
	fmt.Println("  iam-config apply <file>              - Apply configuration to an in-memory service")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: iam-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: iam-config validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	s := cfg.Stats()
	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Organizations: %d\n", s.Organizations)
	fmt.Printf("  Teams:         %d\n", s.Teams)
	fmt.Printf("  Users:         %d\n", s.Users)
	fmt.Printf("  Policies:      %d\n", s.Policies)
	fmt.Printf("  Attachments:   %d\n", s.Attachments)
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: iam-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)
	s := cfg.Stats()

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Organizations: %d\n", s.Organizations)
	fmt.Printf("  Teams:         %d\n", s.Teams)
	fmt.Printf("  Users:         %d\n", s.Users)
	fmt.Printf("  Memberships:   %d\n", s.Memberships)
	fmt.Printf("  Policies:      %d\n", s.Policies)
	fmt.Printf("  Statements:    %d\n", s.Statements)
	fmt.Printf("  Attachments:   %d\n", s.Attachments)
	fmt.Println()

	if len(cfg.Policies) > 0 {
		allowCount := 0
		denyCount := 0
		for _, p := range cfg.Policies {
			for _, st := range p.Statements {
				if st.Effect == iam.EffectAllow {
					allowCount++
				} else {
					denyCount++
				}
			}
		}
		fmt.Println("Statement Details:")
		fmt.Printf("  Allow statements: %d\n", allowCount)
		fmt.Printf("  Deny statements:  %d\n", denyCount)
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Super organization: %s\n", cfg.Engine.SuperOrganization)
	fmt.Printf("  Policy cache TTL:   %dms\n", cfg.Engine.PolicyCacheTTL)
}

func handleApply() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: iam-config apply <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	store := stores.NewMemoryStore()
	authorizer, err := iam.NewAuthorizer(store)
	if err != nil {
		fmt.Printf("Error building authorizer: %v\n", err)
		os.Exit(1)
	}
	directory := iam.NewDirectory(store)

	ctx := context.Background()
	if err := authorizer.ApplyConfig(ctx, directory, cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	s := cfg.Stats()
	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Organizations loaded: %d\n", s.Organizations)
	fmt.Printf("  Policies loaded:      %d\n", s.Policies)
	fmt.Printf("  Attachments loaded:   %d\n", s.Attachments)
}

func loadConfig(filename string) (*iam.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	loader := iam.NewConfigLoader()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported format: %s", filepath.Ext(filename))
	}
}

func saveConfig(cfg *iam.Config, filename string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
