//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	defaultServerURL = "http://localhost:8080"
	e2eStudentID     = 990001
	e2eClassID       = 9901
	e2eAdminID       = 990001
	e2eExamTitle     = "E2E Proctor Exam"
)

var (
	serverURL    string
	baseURL      string
	dbURL        string
	adminToken   string
	studentToken string
	examID       string
	enrollmentID string
)

func TestMain(m *testing.M) {
	_ = godotenv.Load("../../.env")

	serverURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	baseURL = serverURL + "/api/v1"

	cfg := config.Load()
	dbURL = cfg.DatabaseURL

	// Tokens are minted with the server's secret, the same way cmd/mint-token does.
	auth := service.NewAuthService(cfg)
	perms := make([]string, len(model.AllPermissions))
	for i, p := range model.AllPermissions {
		perms[i] = string(p)
	}
	var err error
	if adminToken, err = auth.GenerateAdminToken(e2eAdminID, 1, perms); err != nil {
		fmt.Printf("mint admin token: %v\n", err)
		os.Exit(1)
	}
	if studentToken, err = auth.GenerateStudentToken(e2eStudentID, e2eClassID); err != nil {
		fmt.Printf("mint student token: %v\n", err)
		os.Exit(1)
	}

	if err := cleanup(); err != nil {
		fmt.Printf("Setup failed: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	_ = cleanup()
	os.Exit(code)
}

// cleanup removes data left by earlier runs. Rows cascade from exams.
func cleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, `DELETE FROM exams WHERE title = $1`, e2eExamTitle); err != nil {
		return fmt.Errorf("clean exams: %w", err)
	}
	if _, err := conn.Exec(ctx, `DELETE FROM media WHERE student_id = $1`, e2eStudentID); err != nil {
		return fmt.Errorf("clean media: %w", err)
	}
	return nil
}

func TestE2EFlow(t *testing.T) {
	questionIDs := map[string]string{}

	t.Run("AdminCreateExam", func(t *testing.T) {
		req := model.CreateExamRequest{
			Title:               e2eExamTitle,
			DurationMinutes:     30,
			PassingScore:        50,
			MonitoringEnabled:   true,
			AllowBackNavigation: true,
			Questions: []model.CreateQuestionRequest{
				{
					Content:       "Ibu kota Indonesia?",
					QuestionType:  model.QuestionTypeMCQSingle,
					Options:       []model.Option{{Text: "Bandung"}, {Text: "Jakarta"}, {Text: "Surabaya"}},
					CorrectAnswer: json.RawMessage(`1`),
					Points:        10,
				},
				{
					Content:       "Berapa 6 x 7?",
					QuestionType:  model.QuestionTypeNumeric,
					CorrectAnswer: json.RawMessage(`42`),
					Points:        10,
				},
			},
		}
		resp, err := post("/admin/exams", req, adminToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		decodeJSON(t, resp, &body)
		examID = body.Data.ID
		if examID == "" {
			t.Fatal("exam id missing")
		}
	})

	t.Run("StudentCannotStartDraft", func(t *testing.T) {
		resp, err := post("/student/exams/"+examID+"/start", nil, studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			t.Fatal("starting a draft exam should fail")
		}
	})

	t.Run("AdminPublishExam", func(t *testing.T) {
		resp, err := post("/admin/exams/"+examID+"/publish", nil, adminToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}
	})

	t.Run("StudentGetExam", func(t *testing.T) {
		resp, err := get("/student/exams/"+examID, studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body struct {
			Data struct {
				Title           string `json:"title"`
				DurationMinutes int    `json:"duration_minutes"`
			} `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if body.Data.Title != e2eExamTitle || body.Data.DurationMinutes != 30 {
			t.Errorf("unexpected exam: %+v", body.Data)
		}
	})

	t.Run("StudentGetQuestions", func(t *testing.T) {
		resp, err := get("/student/exams/"+examID+"/questions?page=1&page_size=10", studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body struct {
			Data       []model.ExamQuestion `json:"data"`
			Pagination struct {
				Total int `json:"total"`
			} `json:"pagination"`
		}
		decodeJSON(t, resp, &body)
		if len(body.Data) != 2 {
			t.Fatalf("want 2 questions, got %d", len(body.Data))
		}
		for _, q := range body.Data {
			if len(q.Key) != 0 {
				t.Errorf("question %s leaks its key outside practice mode", q.ID)
			}
			questionIDs[q.Content] = q.ID.String()
		}
	})

	t.Run("StudentStartExam", func(t *testing.T) {
		resp, err := post("/student/exams/"+examID+"/start", nil, studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body struct {
			Data model.StartResult `json:"data"`
		}
		decodeJSON(t, resp, &body)
		enrollmentID = body.Data.EnrollmentID.String()
		if body.Data.StartedAt.IsZero() {
			t.Error("started_at missing")
		}

		// Resuming keeps the original start.
		again, err := post("/student/exams/"+examID+"/start", nil, studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer again.Body.Close()
		var resumed struct {
			Data model.StartResult `json:"data"`
		}
		decodeJSON(t, again, &resumed)
		if !resumed.Data.StartedAt.Equal(body.Data.StartedAt) {
			t.Errorf("resume changed started_at: %v -> %v", body.Data.StartedAt, resumed.Data.StartedAt)
		}
	})

	t.Run("StudentSaveAnswers", func(t *testing.T) {
		mcq := questionIDs["Ibu kota Indonesia?"]
		num := questionIDs["Berapa 6 x 7?"]
		if mcq == "" || num == "" {
			t.Fatal("question ids missing")
		}

		for qid, answer := range map[string]string{mcq: `1`, num: `41`} {
			resp, err := put("/student/exams/"+examID+"/answers/"+qid,
				model.SaveAnswerRequest{Answer: json.RawMessage(answer)}, studentToken)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
			}
			resp.Body.Close()
		}

		// Clearing the wrong numeric answer leaves it unanswered.
		resp, err := del("/student/exams/"+examID+"/answers/"+num, studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("delete status %d", resp.StatusCode)
		}
	})

	t.Run("StudentGetSubmissions", func(t *testing.T) {
		resp, err := get("/student/exams/"+examID+"/submissions", studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body struct {
			Data model.SubmissionState `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if body.Data.EnrollmentStatus != model.EnrollmentOngoing {
			t.Errorf("status = %s, want %s", body.Data.EnrollmentStatus, model.EnrollmentOngoing)
		}
		if len(body.Data.Submissions) != 1 {
			t.Errorf("want 1 submission, got %d", len(body.Data.Submissions))
		}
	})

	t.Run("StudentUpdateMonitoring", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPatch, baseURL+"/student/monitoring",
			jsonBody(map[string]any{"enrollment_id": enrollmentID, "tab_switch_count": 1}))
		if err != nil {
			t.Fatal(err)
		}
		resp, err := do(req, studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body struct {
			Data model.IntegrityCounters `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if body.Data.TabSwitchCount != 1 {
			t.Errorf("tab switches = %d, want 1", body.Data.TabSwitchCount)
		}
	})

	t.Run("WebSocketSession", func(t *testing.T) {
		first := dialSession(t)
		defer first.Close()

		ev := readEvent(t, first)
		if ev["event"] != "state" {
			t.Fatalf("first event = %v, want state", ev["event"])
		}

		if err := first.WriteJSON(map[string]any{"action": "ping", "ref": "p1"}); err != nil {
			t.Fatalf("write ping: %v", err)
		}
		if !waitFor(t, first, "pong") {
			t.Fatal("no pong received")
		}

		// A second device for the same attempt is turned away.
		second := dialSession(t)
		defer second.Close()
		if ev := readEvent(t, second); ev["event"] != "error" {
			t.Fatalf("second connection event = %v, want error", ev["event"])
		}
	})

	t.Run("StudentSubmitExam", func(t *testing.T) {
		resp, err := post("/student/exams/"+examID+"/submit", nil, studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body struct {
			Data model.SubmitResult `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if body.Data.Score == nil || *body.Data.Score != 50 {
			t.Fatalf("score = %v, want 50", body.Data.Score)
		}

		// Submitting again returns the recorded result.
		again, err := post("/student/exams/"+examID+"/submit", nil, studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer again.Body.Close()
		if again.StatusCode != http.StatusOK {
			t.Fatalf("resubmit status %d: %s", again.StatusCode, readBody(again))
		}
	})

	t.Run("StudentSaveAfterSubmit", func(t *testing.T) {
		resp, err := put("/student/exams/"+examID+"/answers/"+questionIDs["Berapa 6 x 7?"],
			model.SaveAnswerRequest{Answer: json.RawMessage(`42`)}, studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			t.Fatal("saving after submit should be refused")
		}
	})

	t.Run("AdminResults", func(t *testing.T) {
		resp, err := get("/admin/exams/"+examID+"/results", adminToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body struct {
			Data struct {
				Results []model.Enrollment `json:"results"`
			} `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if len(body.Data.Results) != 1 {
			t.Fatalf("want 1 result, got %d", len(body.Data.Results))
		}
		r := body.Data.Results[0]
		if r.StudentID != e2eStudentID || r.Status != model.EnrollmentCompleted {
			t.Errorf("unexpected result: %+v", r)
		}
	})

	t.Run("AdminMonitoringRecord", func(t *testing.T) {
		resp, err := get("/admin/monitoring/"+enrollmentID, adminToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}
	})

	t.Run("StudentForbiddenOnAdmin", func(t *testing.T) {
		resp, err := get("/admin/exams/"+examID, studentToken)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
			t.Errorf("status %d, want 401 or 403", resp.StatusCode)
		}
	})
}

// Helpers

func dialSession(t *testing.T) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatal(err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws/v1/student/exams/" + examID + "/session"
	u.RawQuery = url.Values{"token": {studentToken}}.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			t.Fatalf("dial: %v (status %d)", err, resp.StatusCode)
		}
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// waitFor skips events until one of the given type arrives.
func waitFor(t *testing.T, conn *websocket.Conn, event string) bool {
	t.Helper()
	for range 20 {
		if readEvent(t, conn)["event"] == event {
			return true
		}
	}
	return false
}

func jsonBody(body any) io.Reader {
	if body == nil {
		return nil
	}
	jsonBytes, _ := json.Marshal(body)
	return bytes.NewBuffer(jsonBytes)
}

func do(req *http.Request, token string) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func post(path string, body any, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, baseURL+path, jsonBody(body))
	if err != nil {
		return nil, err
	}
	return do(req, token)
}

func put(path string, body any, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPut, baseURL+path, jsonBody(body))
	if err != nil {
		return nil, err
	}
	return do(req, token)
}

func get(path string, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return do(req, token)
}

func del(path string, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodDelete, baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return do(req, token)
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("json decode: %v", err)
	}
}
