package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <image-path>",
	Short: "Upload an image and print its public URL",
	Long:  `Upload a local image to the image host and print the URL that image-to-video jobs can reference.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	link, err := a.client.UploadAsset(ctx, args[0])
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(map[string]string{"path": args[0], "url": link})
	}
	fmt.Println(link)
	return nil
}
