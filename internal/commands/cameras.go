package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"mimamori/internal/camera"
)

// GetCamerasCommand は検出したカメラを一覧表示するコマンドを返す
func GetCamerasCommand() *cli.Command {
	return &cli.Command{
		Name:  "cameras",
		Usage: "カメラを検出して一覧を表示する",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "JSONで出力する",
			},
		},
		Action: func(c *cli.Context) error {
			cc, err := NewCommandContext(c)
			if err != nil {
				return err
			}
			defer func() { _ = cc.Logger.Sync() }()

			registry, err := cc.NewRegistry()
			if err != nil {
				return err
			}

			descs, err := registry.Discover(c.Context)
			if err != nil {
				return fmt.Errorf("カメラの検出に失敗: %w", err)
			}

			if c.Bool("json") {
				enc := json.NewEncoder(c.App.Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(descs)
			}
			return printCameras(c.App.Writer, descs)
		},
	}
}

// printCameras はカメラ一覧を表形式で出力する
func printCameras(w io.Writer, descs []camera.Descriptor) error {
	if len(descs) == 0 {
		_, err := fmt.Fprintln(w, "カメラが見つかりませんでした")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSOURCE\tRESOLUTION\tFPS")
	for _, d := range descs {
		source := d.DevicePath
		if d.Kind == camera.KindNetwork {
			source = camera.RedactURL(d.URL)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", d.ID, d.Name, d.Kind, source, d.Resolution(), d.FPS)
	}
	return tw.Flush()
}
