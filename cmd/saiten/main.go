package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkurata/saiten/internal/csvio"
	"github.com/mkurata/saiten/internal/grading"
	"github.com/mkurata/saiten/internal/handler"
	appI18n "github.com/mkurata/saiten/internal/i18n"
	"github.com/mkurata/saiten/internal/model"
	"github.com/mkurata/saiten/internal/review"
	"github.com/mkurata/saiten/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "saiten",
		Short: "LLM-assisted grading server for short-answer exams",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func llmFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("provider", string(model.ProviderLMStudio), "LLM provider (lm-studio, ollama, azure-openai, gemini)")
	f.String("endpoint", "http://localhost:1234/v1", "LLM API base URL")
	f.String("model", "openai/gpt-oss-20b", "Model name")
	f.Float64("temperature", 0.1, "Sampling temperature")
	f.Int("max-tokens", 2048, "Completion token cap")
	f.Bool("use-max-tokens", true, "Send the token cap with each request")
	f.Duration("llm-timeout", 120*time.Second, "Per-request LLM timeout")
	f.String("api-key", "", "Azure OpenAI API key")
	f.String("api-version", "", "Azure OpenAI API version")
	f.String("deployment-id", "", "Azure OpenAI deployment ID")
	f.String("gemini-api-key", "", "Gemini API key")
	f.String("ollama-host", "", "Ollama host override")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the grading HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "saiten.db", "SQLite database path")
	f.StringP("lang", "l", "ja", "Response language (en, ja)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	llmFlags(cmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an exam definition and student answers",
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.String("db", "saiten.db", "SQLite database path")
	f.String("exam", "", "Exam definition JSON file")
	f.String("answers", "", "Student answers CSV file")
	f.String("exam-id", "", "Existing exam ID (required when importing answers without --exam)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export grading results as JSON or CSV",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "saiten.db", "SQLite database path")
	f.String("exam-id", "", "Exam identifier (required)")
	f.String("format", "json", "Output format (json, csv)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("exam-id")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("SAITEN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("saiten")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/saiten")
	v.AddConfigPath("/etc/saiten")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func llmConfigFromViper(v *viper.Viper) model.LLMConfig {
	return model.LLMConfig{
		Provider:     model.Provider(v.GetString("provider")),
		Endpoint:     v.GetString("endpoint"),
		Model:        v.GetString("model"),
		Temperature:  v.GetFloat64("temperature"),
		MaxTokens:    v.GetInt("max-tokens"),
		UseMaxTokens: v.GetBool("use-max-tokens"),
		Timeout:      v.GetDuration("llm-timeout"),
		APIKey:       v.GetString("api-key"),
		APIVersion:   v.GetString("api-version"),
		DeploymentID: v.GetString("deployment-id"),
		GeminiAPIKey: v.GetString("gemini-api-key"),
		OllamaHost:   v.GetString("ollama-host"),
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	cfg := llmConfigFromViper(v)
	gradingSvc := grading.NewService(db, cfg)
	reviewSvc := review.NewService(db)
	h := handler.New(db, gradingSvc, reviewSvc)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"provider", cfg.Provider,
		"endpoint", cfg.Endpoint,
		"model", cfg.Model,
		"lang", lang,
	)
	return http.ListenAndServe(addr, r)
}

func runImport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	examID := v.GetString("exam-id")

	if path := v.GetString("exam"); path != "" {
		examID, err = importExam(db, path, examID)
		if err != nil {
			return fmt.Errorf("import exam: %w", err)
		}
	}

	if path := v.GetString("answers"); path != "" {
		if examID == "" {
			return fmt.Errorf("importing answers requires --exam or --exam-id")
		}
		if err := importAnswers(db, path, examID); err != nil {
			return fmt.Errorf("import answers: %w", err)
		}
	}

	if v.GetString("exam") == "" && v.GetString("answers") == "" {
		return fmt.Errorf("nothing to import: pass --exam and/or --answers")
	}
	return nil
}

func importExam(db *store.Store, path, examID string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	var imp model.ExamImport
	if err := json.Unmarshal(data, &imp); err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}

	if examID == "" {
		examID = uuid.NewString()
	}
	now := time.Now()
	exam := model.Exam{
		ID:          examID,
		Name:        imp.Name,
		Description: imp.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, qi := range imp.Questions {
		exam.Questions = append(exam.Questions, model.Question{
			ID:             uuid.NewString(),
			ExamID:         examID,
			Number:         qi.Number,
			Content:        qi.Content,
			Intention:      qi.Intention,
			SampleAnswer:   qi.SampleAnswer,
			MaxScore:       qi.MaxScore,
			CharacterLimit: qi.CharacterLimit,
		})
	}

	if err := db.SaveExam(exam); err != nil {
		return "", err
	}
	slog.Info("imported exam", "path", path, "exam_id", examID, "questions", len(exam.Questions))
	return examID, nil
}

func importAnswers(db *store.Store, path, examID string) error {
	exam, err := db.GetExam(examID)
	if err != nil {
		return fmt.Errorf("load exam %s: %w", examID, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	parsed, err := csvio.ParseAnswers(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, warn := range parsed.Warnings {
		slog.Warn("answers csv", "warning", warn)
	}
	if !parsed.OK() {
		for _, e := range parsed.Errors {
			slog.Error("answers csv", "error", e)
		}
		return fmt.Errorf("%s: %d invalid rows", path, len(parsed.Errors))
	}

	answers, buildErrs := csvio.BuildAnswers(examID, exam.Questions, parsed.Rows)
	if len(buildErrs) > 0 {
		for _, e := range buildErrs {
			slog.Error("answers csv", "error", e)
		}
		return fmt.Errorf("%s: %d rows did not match the exam", path, len(buildErrs))
	}

	for _, a := range answers {
		if err := db.InsertAnswer(a); err != nil {
			return fmt.Errorf("insert answer for %s: %w", a.StudentID, err)
		}
	}
	slog.Info("imported answers", "path", path, "exam_id", examID,
		"answers", len(answers), "students", parsed.UniqueStudents)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportResults(v.GetString("exam-id"))
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch strings.ToLower(v.GetString("format")) {
	case "csv":
		if err := csvio.WriteResults(w, export); err != nil {
			return fmt.Errorf("write CSV: %w", err)
		}
	default:
		data, err := json.MarshalIndent(export, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		_, _ = fmt.Fprintln(w)
	}

	return nil
}
