package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsrlabs/bastion/pkg/backup"
	"github.com/dsrlabs/bastion/pkg/types"
)

// adminClient talks to a running server's admin surface
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient(addr string) *adminClient {
	return &adminClient{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

// call performs one admin request; error bodies become kinded errors so
// exit codes match what the server decided
func (c *adminClient) call(method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return types.Wrap(types.KindValidation, err, "request body")
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return types.Wrap(types.KindValidation, err, "request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Wrap(types.KindAdapter, err, "admin endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var remote struct {
			Kind    types.Kind `json:"kind"`
			Message string     `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil || remote.Kind == "" {
			return types.E(types.KindAdapter, "admin endpoint returned %s", resp.Status)
		}
		return types.E(remote.Kind, "%s", remote.Message)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// exitCode maps kinded errors onto the documented exit codes
func exitCode(err error) int {
	switch types.KindOf(err) {
	case types.KindValidation, types.KindNotFound, types.KindConflict:
		return exitValidation
	case types.KindIntegrity:
		return exitIntegrity
	case types.KindCancelled:
		return exitCancelled
	default:
		return exitAdapter
	}
}

var adminAddr string

func init() {
	for _, cmd := range []*cobra.Command{backupCmd, failoverCmd, statusCmd} {
		cmd.PersistentFlags().StringVar(&adminAddr, "addr", "http://127.0.0.1:8600", "Admin endpoint of a running server")
	}

	backupRunCmd.Flags().String("components", strings.Join(backup.AllComponents(), ","), "Comma-separated components to back up")
	backupRunCmd.Flags().Bool("compress", true, "Compress the backup archive")
	backupRunCmd.Flags().Bool("encrypt", false, "Encrypt the backup archive")
	backupRunCmd.Flags().Bool("verify", true, "Verify integrity after the backup")
	backupRunCmd.Flags().Bool("upload", false, "Upload the artifact to remote storage")
	backupRunCmd.Flags().Int("retention", 30, "Retention in days")

	backupCmd.AddCommand(backupRunCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupListCmd)

	failoverCmd.Flags().String("target", "", "Secondary site to promote")
	failoverCmd.Flags().String("reason", "operator initiated", "Reason recorded with the disaster event")
	_ = failoverCmd.MarkFlagRequired("target")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run and inspect backups",
}

var backupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit a full backup plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		components, _ := cmd.Flags().GetString("components")
		compress, _ := cmd.Flags().GetBool("compress")
		encrypt, _ := cmd.Flags().GetBool("encrypt")
		verify, _ := cmd.Flags().GetBool("verify")
		upload, _ := cmd.Flags().GetBool("upload")
		retention, _ := cmd.Flags().GetInt("retention")

		plan := types.BackupPlan{
			ID:            "manual-" + time.Now().Format("20060102-150405"),
			Type:          types.BackupFull,
			Components:    strings.Split(components, ","),
			Compression:   compress,
			Encryption:    encrypt,
			Verification:  verify,
			RemoteUpload:  upload,
			RetentionDays: retention,
		}

		var meta types.BackupMetadata
		if err := newAdminClient(adminAddr).call(http.MethodPost, "/admin/dr/backups", plan, &meta); err != nil {
			return err
		}
		fmt.Printf("✓ Backup %s completed (%d bytes)\n", meta.BackupID, meta.SizeBytes)
		return printJSON(meta)
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <backup-id>",
	Short: "Verify a backup's integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAdminClient(adminAddr)
		if err := client.call(http.MethodPost, "/admin/dr/backups/"+args[0]+"/verify", nil, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Backup %s verified\n", args[0])
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a backup into the live components",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAdminClient(adminAddr)
		if err := client.call(http.MethodPost, "/admin/dr/backups/"+args[0]+"/restore", nil, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Backup %s restored\n", args[0])
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		var backups []types.BackupMetadata
		if err := newAdminClient(adminAddr).call(http.MethodGet, "/admin/dr/backups", nil, &backups); err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("No backups registered")
			return nil
		}
		for _, meta := range backups {
			verified := " "
			if meta.IntegrityVerified {
				verified = "✓"
			}
			fmt.Printf("%s %s  %10d bytes  %s\n",
				verified, meta.CreatedAt.Format(time.RFC3339), meta.SizeBytes, meta.BackupID)
		}
		return nil
	},
}

var failoverCmd = &cobra.Command{
	Use:   "failover",
	Short: "Initiate a manual site failover",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		reason, _ := cmd.Flags().GetString("reason")

		request := map[string]interface{}{
			"type":       "manual",
			"targetSite": target,
			"reason":     reason,
		}
		var exec types.FailoverExecution
		if err := newAdminClient(adminAddr).call(http.MethodPost, "/admin/dr/failover", request, &exec); err != nil {
			return err
		}
		fmt.Printf("Failover %s -> %s finished %s\n", exec.SourceSite, exec.TargetSite, exec.Status)
		if exec.Status != types.FailoverCompleted {
			return types.E(types.KindAdapter, "failover finished %s: %s", exec.Status, exec.Reason)
		}
		return printJSON(exec)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the disaster recovery posture",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status json.RawMessage
		if err := newAdminClient(adminAddr).call(http.MethodGet, "/admin/dr/status", nil, &status); err != nil {
			return err
		}
		var pretty interface{}
		if err := json.Unmarshal(status, &pretty); err != nil {
			return err
		}
		return printJSON(pretty)
	},
}
