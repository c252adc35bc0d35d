package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/dgibroker/internal/broker"
	"github.com/danmuck/dgibroker/internal/config"
	"github.com/spf13/cobra"
)

const defaultAdmin = "http://127.0.0.1:7480"

var adminClient = &http.Client{Timeout: 10 * time.Second}

func adminURL(base, path string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("admin url: %w", err)
	}
	return u.String() + path, nil
}

func decodeAdmin(resp *http.Response, out any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("admin %s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("admin %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func peersCmd() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peer sessions of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := adminURL(admin, "/peers")
			if err != nil {
				return err
			}
			resp, err := adminClient.Get(target)
			if err != nil {
				return err
			}
			var list struct {
				Peers []broker.PeerStatus `json:"peers"`
			}
			if err := decodeAdmin(resp, &list); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PEER\tCONNECTED\tCONNECTS\tUNHEALTHY\tWINDOW\tDELIVERED\tLAST ERROR")
			for _, p := range list.Peers {
				window, delivered := 0, uint64(0)
				if p.Session != nil {
					window, delivered = p.Session.WindowLen, p.Session.Delivered
				}
				fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%d\t%d\t%s\n",
					p.ID, p.Connected, p.Connects, p.Unhealthy, window, delivered, p.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&admin, "admin", defaultAdmin, "admin API base url")
	return cmd
}

func sendCmd() *cobra.Command {
	var (
		admin string
		file  string
		token string
	)
	cmd := &cobra.Command{
		Use:   "send <peer> [payload]",
		Short: "Send one payload to a peer through a running node",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			switch {
			case len(args) == 2:
				payload = []byte(args[1])
			case file == "-":
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				payload = b
			case file != "":
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				payload = b
			default:
				return fmt.Errorf("payload argument or --file required")
			}
			target, err := adminURL(admin, "/peers/"+url.PathEscape(args[0])+"/send")
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, target, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/octet-stream")
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := adminClient.Do(req)
			if err != nil {
				return err
			}
			if err := decodeAdmin(resp, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d bytes for %s\n", len(payload), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&admin, "admin", defaultAdmin, "admin API base url")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from a file, - for stdin")
	cmd.Flags().StringVar(&token, "token", os.Getenv(config.EnvAdminToken), "admin bearer token")
	return cmd
}
