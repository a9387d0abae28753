package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <archive.zip>",
	Short: "Compile a local zip archive",
	Long: `Upload a zip archive to latexd's /compile endpoint and write the
resulting PDF to disk.

Examples:
  latexctl submit paper.zip --entrypoint main.tex --out paper.pdf
  latexctl submit paper.zip --engine xelatex --halt-on-error`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var submitProjectCmd = &cobra.Command{
	Use:   "submit-project <project-id>",
	Short: "Compile a project already known to the metadata backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmitProject,
}

func init() {
	for _, c := range []*cobra.Command{submitCmd, submitProjectCmd} {
		c.Flags().String("out", "output.pdf", "where to write the resulting PDF")
		c.Flags().Int("timeout", 60, "compilation timeout in seconds")
	}
	submitCmd.Flags().String("entrypoint", "main.tex", "entrypoint .tex file within the archive")
	submitCmd.Flags().String("engine", "pdflatex", "pdflatex, xelatex, or lualatex")
	submitCmd.Flags().Bool("halt-on-error", false, "stop at the first LaTeX error")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(submitProjectCmd)
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check whether latexd is reachable",
	RunE:  runHealth,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	archivePath := args[0]
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", archivePath, err)
	}
	defer f.Close()

	var body strings.Builder
	mw := multipart.NewWriter(&body)

	entrypoint, _ := cmd.Flags().GetString("entrypoint")
	engine, _ := cmd.Flags().GetString("engine")
	haltOnError, _ := cmd.Flags().GetBool("halt-on-error")
	timeout, _ := cmd.Flags().GetInt("timeout")

	mw.WriteField("entrypoint", entrypoint)
	mw.WriteField("compiler", engine)
	mw.WriteField("timeout", strconv.Itoa(timeout))
	if haltOnError {
		mw.WriteField("halt_on_error", "true")
	}
	fw, err := mw.CreateFormFile("file", archivePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return fmt.Errorf("reading %s: %w", archivePath, err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	return postCompile(cmd, "/compile", strings.NewReader(body.String()), mw.FormDataContentType())
}

func runSubmitProject(cmd *cobra.Command, args []string) error {
	projectID := args[0]
	timeout, _ := cmd.Flags().GetInt("timeout")

	form := url.Values{}
	form.Set("project_id", projectID)
	form.Set("timeout", strconv.Itoa(timeout))

	return postCompile(cmd, "/compile-project", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
}

func postCompile(cmd *cobra.Command, path string, body io.Reader, contentType string) error {
	req, err := http.NewRequest(http.MethodPost, serverURL()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if key := apiKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting %s: %w", serverURL(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
			Log     string `json:"log"`
		}
		b, _ := io.ReadAll(resp.Body)
		json.Unmarshal(b, &envelope)
		if jsonOut {
			return printJSON(envelope)
		}
		if envelope.Log != "" {
			return fmt.Errorf("compilation failed:\n%s", envelope.Log)
		}
		return fmt.Errorf("%s: %s (status %d)", envelope.Code, envelope.Message, resp.StatusCode)
	}

	out, _ := cmd.Flags().GetString("out")
	outFile, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	defer outFile.Close()
	n, err := io.Copy(outFile, resp.Body)
	if err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}

	if jsonOut {
		return printJSON(map[string]any{"output": out, "bytes": n})
	}
	fmt.Printf("wrote %d bytes to %s\n", n, out)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL() + "/health")
	if err != nil {
		printError(err)
		return err
	}
	defer resp.Body.Close()

	if jsonOut {
		return printJSON(map[string]any{"status": resp.StatusCode})
	}
	if resp.StatusCode == http.StatusOK {
		fmt.Println("ok")
		return nil
	}
	return fmt.Errorf("unexpected status: %s", resp.Status)
}
