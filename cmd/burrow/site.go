package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/pkg/types"
)

var (
	siteServer  string
	siteGitURL  string
	siteType    string
	siteVisible string
)

var siteCmd = &cobra.Command{
	Use:   "site",
	Short: "Manage sites on a running control plane",
}

var siteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sites",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiRequest(http.MethodGet, "/api/sites", nil)
		if err != nil {
			return err
		}

		var sites []*types.Site
		if err := json.Unmarshal(body, &sites); err != nil {
			return fmt.Errorf("unexpected response: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVISIBILITY\tSTATUS\tPORT\tOWNER")
		for _, s := range sites {
			port := "-"
			if s.Port > 0 {
				port = fmt.Sprintf("%d", s.Port)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Visibility, s.Status, port, s.OwnerID)
		}
		return w.Flush()
	},
}

var siteCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a new site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := map[string]string{"name": args[0]}
		if siteGitURL != "" {
			payload["git_url"] = siteGitURL
		}
		if siteType != "" {
			payload["type"] = siteType
		}
		if siteVisible != "" {
			payload["visibility"] = siteVisible
		}

		body, err := apiRequest(http.MethodPost, "/api/sites", payload)
		if err != nil {
			return err
		}

		var site types.Site
		if err := json.Unmarshal(body, &site); err != nil {
			return fmt.Errorf("unexpected response: %v", err)
		}
		fmt.Printf("✓ Site %s created (id %s)\n", site.Name, site.ID)
		return nil
	},
}

var siteDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a site and stop its containers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiRequest(http.MethodGet, "/api/sites", nil)
		if err != nil {
			return err
		}
		var sites []*types.Site
		if err := json.Unmarshal(body, &sites); err != nil {
			return fmt.Errorf("unexpected response: %v", err)
		}

		for _, s := range sites {
			if s.Name == args[0] {
				if _, err := apiRequest(http.MethodDelete, "/api/sites/"+s.ID, nil); err != nil {
					return err
				}
				fmt.Printf("✓ Site %s deleted\n", s.Name)
				return nil
			}
		}
		return fmt.Errorf("site %s not found", args[0])
	},
}

func init() {
	siteCmd.PersistentFlags().StringVar(&siteServer, "server", "http://localhost:3000", "Control-plane address")
	siteCreateCmd.Flags().StringVar(&siteGitURL, "git-url", "", "Clone this repository into the site directory")
	siteCreateCmd.Flags().StringVar(&siteType, "type", "", "Site type (static or dynamic); detected when omitted")
	siteCreateCmd.Flags().StringVar(&siteVisible, "visibility", "", "public or private")

	siteCmd.AddCommand(siteListCmd)
	siteCmd.AddCommand(siteCreateCmd)
	siteCmd.AddCommand(siteDeleteCmd)
}

// apiRequest talks to the local control plane as the admin caller
func apiRequest(method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, siteServer+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-User-ID", "admin")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach control plane at %s: %v", siteServer, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s", e.Error)
		}
		return nil, fmt.Errorf("request failed: %s", resp.Status)
	}
	return data, nil
}
