package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	problems := cfg.Validate()
	if len(problems) == 0 {
		fmt.Println("Configuration is valid")
		return nil
	}

	fmt.Printf("Configuration has %d problem(s):\n", len(problems))
	for _, problem := range problems {
		fmt.Printf("  - %s\n", problem)
	}
	return fmt.Errorf("configuration is invalid")
}
