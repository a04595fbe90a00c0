package transaction

import (
	"testing"
	"time"
)

func strVal(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}

func TestExtractMetadata_CamelCaseEventLog(t *testing.T) {
	body := []byte(`{
		"project": "my-project",
		"language": "rust",
		"absoluteFile": "C:\\Users\\dev\\my-project\\src\\lib.rs",
		"eventType": "fileSaved",
		"operationType": "write",
		"gitBranch": "main",
		"editor": "Zed",
		"platform": "windows",
		"eventTime": 1700000000000
	}`)
	md := ExtractMetadata(map[string]string{"User-Agent": "CodeTime Client"}, "127.0.0.1:5555", body)

	checks := []struct {
		name string
		got  *string
		want string
	}{
		{"project", md.Project, "my-project"},
		{"language", md.Language, "rust"},
		{"event_type", md.EventType, "fileSaved"},
		{"operation_type", md.OperationType, "write"},
		{"git_branch", md.GitBranch, "main"},
		{"editor", md.Editor, "Zed"},
		{"platform", md.Platform, "windows"},
		{"absolute_filepath", md.AbsoluteFilepath, `C:\Users\dev\my-project\src\lib.rs`},
		{"windows_username", md.WindowsUsername, "dev"},
		{"file_extension", md.FileExtension, ".rs"},
		{"user_agent", md.UserAgent, "CodeTime Client"},
		{"client_ip", md.ClientIP, "127.0.0.1"},
	}
	for _, c := range checks {
		if strVal(c.got) != c.want {
			t.Fatalf("%s: got %q, want %q", c.name, strVal(c.got), c.want)
		}
	}
	if md.EventTime == nil || !md.EventTime.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("event_time: got %v", md.EventTime)
	}
}

func TestExtractMetadata_SnakeCaseFallback(t *testing.T) {
	body := []byte(`{"event_type":"fileEdited","operation_type":"read","git_branch":"dev","absolute_filepath":"/home/a/x.go"}`)
	md := ExtractMetadata(nil, "", body)
	if strVal(md.EventType) != "fileEdited" {
		t.Fatalf("event_type: got %q", strVal(md.EventType))
	}
	if strVal(md.OperationType) != "read" {
		t.Fatalf("operation_type: got %q", strVal(md.OperationType))
	}
	if strVal(md.GitBranch) != "dev" {
		t.Fatalf("git_branch: got %q", strVal(md.GitBranch))
	}
	if strVal(md.FileExtension) != ".go" {
		t.Fatalf("file_extension: got %q", strVal(md.FileExtension))
	}
	if md.WindowsUsername != nil {
		t.Fatalf("windows_username: got %q, want nil", *md.WindowsUsername)
	}
}

func TestExtractMetadata_EventLogScenario(t *testing.T) {
	md := ExtractMetadata(nil, "", []byte(`{"event_type":"fileSaved","language":"rust"}`))
	if strVal(md.EventType) != "fileSaved" || strVal(md.Language) != "rust" {
		t.Fatalf("got event_type=%q language=%q", strVal(md.EventType), strVal(md.Language))
	}
}

func TestExtractMetadata_EventTimeForms(t *testing.T) {
	cases := []struct {
		body string
		want *time.Time
	}{
		{`{"eventTime":"1700000000000"}`, ptrTime(time.UnixMilli(1700000000000))},
		{`{"event_time":1700000000000}`, ptrTime(time.UnixMilli(1700000000000))},
		{`{"eventTime":"2024-01-02T03:04:05Z"}`, ptrTime(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))},
		{`{"eventTime":"not-a-number"}`, nil},
		{`{"eventTime":true}`, nil},
	}
	for _, tc := range cases {
		md := ExtractMetadata(nil, "", []byte(tc.body))
		if tc.want == nil {
			if md.EventTime != nil {
				t.Fatalf("%s: got %v, want nil", tc.body, md.EventTime)
			}
			continue
		}
		if md.EventTime == nil || !md.EventTime.Equal(*tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.body, md.EventTime, tc.want)
		}
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestExtractMetadata_MalformedBodiesNeverFail(t *testing.T) {
	bodies := []string{"", "not json", "null", "[1,2,3]", "42", `{"eventType":`, "{}", `{"eventType":123}`}
	for _, body := range bodies {
		md := ExtractMetadata(map[string]string{"User-Agent": "CodeTime Client"}, "", []byte(body))
		if md.EventType != nil || md.Language != nil || md.Project != nil {
			t.Fatalf("%q: body fields should be absent, got event_type=%q", body, strVal(md.EventType))
		}
		if strVal(md.UserAgent) != "CodeTime Client" {
			t.Fatalf("%q: header-derived fields should survive a bad body", body)
		}
	}
}

func TestExtractClientIP(t *testing.T) {
	cases := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{"x-real-ip", map[string]string{"X-Real-Ip": "192.168.1.1"}, "", "192.168.1.1"},
		{"xff first entry", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "", "10.0.0.1"},
		{"invalid real ip falls through", map[string]string{"X-Real-Ip": "not-an-ip"}, "", "<nil>"},
		{"remote addr fallback", map[string]string{}, "203.0.113.9:4431", "203.0.113.9"},
		{"ipv6 remote addr", nil, "[::1]:80", "::1"},
		{"nothing", map[string]string{"Host": "api.example.com"}, "", "<nil>"},
	}
	for _, tc := range cases {
		if got := strVal(ExtractClientIP(tc.headers, tc.remoteAddr)); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestExtractWindowsUsername(t *testing.T) {
	cases := map[string]string{
		`C:\Users\alice\code\foo`: "alice",
		`c:\Users\bob\file.txt`:   "bob",
		`/home/alice/foo`:         "<nil>",
		``:                        "<nil>",
	}
	for in, want := range cases {
		if got := strVal(ExtractWindowsUsername(in)); got != want {
			t.Fatalf("ExtractWindowsUsername(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestExtractFileExtension(t *testing.T) {
	cases := map[string]string{
		"/path/to/file.rs": ".rs",
		`C:\code\file.sql`: ".sql",
		"/path/noext":      "<nil>",
		"/path/.bashrc":    "<nil>",
		"/dir.d/noext":     "<nil>",
		"":                 "<nil>",
		"archive.tar.gz":   ".gz",
	}
	for in, want := range cases {
		if got := strVal(ExtractFileExtension(in)); got != want {
			t.Fatalf("ExtractFileExtension(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestIsKnownEventType(t *testing.T) {
	for _, ev := range []string{"activateFileChanged", "fileSaved", "changeEditorVisibleRanges"} {
		if !IsKnownEventType(ev) {
			t.Fatalf("%s should be known", ev)
		}
	}
	if IsKnownEventType("fileDeleted") {
		t.Fatal("fileDeleted should be unknown")
	}
}
