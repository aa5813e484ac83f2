package cli

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// vaultUpload is the vault's answer to an upload.
type vaultUpload struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Href      string    `json:"href"`
	Filename  string    `json:"filename"`
	MediaType string    `json:"media_type"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newUploadCmd() *cobra.Command {
	var mediaType string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file to the input vault",
		Long: `Upload a file to the vault. The printed href and token can be used as
an execute input: {href: vault://<id>, token: <token>}.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			up, err := uploadFile(args[0], mediaType)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Uploaded %s (%s)\n", up.Filename, humanize.IBytes(uint64(up.Size)))
			fmt.Fprintf(out, "  Href:    %s\n", up.Href)
			fmt.Fprintf(out, "  Token:   %s\n", up.Token)
			fmt.Fprintf(out, "  Expires: %s\n", humanize.Time(up.ExpiresAt))
			return nil
		},
	}

	cmd.Flags().StringVar(&mediaType, "type", "", "Media type (default: from the file extension)")
	return cmd
}

func uploadFile(path, mediaType string) (*vaultUpload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if mediaType == "" {
		mediaType = mime.TypeByExtension(filepath.Ext(path))
	}
	headers := map[string]string{"X-Filename": filepath.Base(path)}
	if mediaType != "" {
		headers["Content-Type"] = mediaType
	}
	logger.Debug("uploading file", "path", path, "media_type", mediaType)

	resp, err := client.Upload("/api/v1/vault", f, headers)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", path, err)
	}
	up, err := decodeData[vaultUpload](resp)
	if err != nil {
		return nil, err
	}
	return &up, nil
}
