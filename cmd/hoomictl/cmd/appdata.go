package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.pilab.hu/hoomi/appdata"
)

var setETag string

var appDataCmd = &cobra.Command{
	Use:   "appdata",
	Short: "Read and write the user's app data",
}

var appDataGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the app data and its ETag",
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := hoomiClient.GetAppData(cmd.Context(), nil)
		if err != nil {
			return err
		}
		return printAppData(cmd.OutOrStdout(), d)
	},
}

var appDataSetCmd = &cobra.Command{
	Use:   "set [json|-]",
	Short: "Replace the app data with a JSON object",
	Long: `Replace the app data with a JSON object given as the argument, or read
from stdin when the argument is "-". With --etag the write only succeeds if
nobody changed the data since that version was read.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := []byte(args[0])
		if args[0] == "-" {
			var err error
			if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return err
			}
		}
		data, err := parseObject(raw)
		if err != nil {
			return err
		}

		d, err := hoomiClient.SetAppData(cmd.Context(), nil, data, setETag)
		if err != nil {
			return err
		}
		return printAppData(cmd.OutOrStdout(), d)
	},
}

func parseObject(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("app data must be a JSON object: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("app data must be a JSON object, got null")
	}
	return data, nil
}

func printAppData(w io.Writer, d *appdata.AppData) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"etag": d.ETag, "data": d.Data})
}

func init() {
	appDataSetCmd.Flags().StringVar(&setETag, "etag", appdata.AnyETag, "ETag the data was read at")

	appDataCmd.AddCommand(appDataGetCmd, appDataSetCmd)
	rootCmd.AddCommand(appDataCmd)
}
