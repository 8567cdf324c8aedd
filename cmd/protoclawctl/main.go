package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	ctlName    = "protoclawctl"
	ctlVersion = "0.1.0"
)

func main() {
	var addr string

	rootCmd := &cobra.Command{
		Use:   ctlName,
		Short: "protoclawctl — operator CLI for a running protoclaw gateway",
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8787", "gateway base address")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "fetch /internal/status from a running gateway and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(addr)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", ctlName, ctlVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/internal/status")
	if err != nil {
		return fmt.Errorf("request status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, body)
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	encoded, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(encoded))
	return nil
}
