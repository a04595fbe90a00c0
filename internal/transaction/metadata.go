package transaction

import (
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Metadata holds descriptive fields derived from a request. Every field is
// optional; nil means the value was absent or unusable.
type Metadata struct {
	EventType        *string    `json:"event_type"`
	Language         *string    `json:"language"`
	ClientIP         *string    `json:"client_ip"`
	UserAgent        *string    `json:"user_agent"`
	WindowsUsername  *string    `json:"windows_username"`
	FileExtension    *string    `json:"file_extension"`
	OperationType    *string    `json:"operation_type"`
	GitBranch        *string    `json:"git_branch"`
	Project          *string    `json:"project"`
	Editor           *string    `json:"editor"`
	Platform         *string    `json:"platform"`
	EventTime        *time.Time `json:"event_time"`
	AbsoluteFilepath *string    `json:"absolute_filepath"`
}

// Body field aliases, preferred spelling first.
var (
	eventTypeKeys     = []string{"eventType", "event_type"}
	languageKeys      = []string{"language"}
	projectKeys       = []string{"project"}
	editorKeys        = []string{"editor"}
	platformKeys      = []string{"platform"}
	operationTypeKeys = []string{"operationType", "operation_type"}
	gitBranchKeys     = []string{"gitBranch", "git_branch", "branch"}
	absoluteFileKeys  = []string{"absoluteFile", "absolute_filepath", "absoluteFilePath"}
	eventTimeKeys     = []string{"eventTime", "event_time"}
)

var windowsUserPattern = regexp.MustCompile(`^[A-Za-z]:\\Users\\([^\\]+)`)

// ExtractMetadata derives metadata from request headers, the connection's
// remote address and the request body. Malformed input leaves fields unset.
func ExtractMetadata(headers map[string]string, remoteAddr string, body []byte) Metadata {
	var md Metadata

	md.ClientIP = ExtractClientIP(headers, remoteAddr)
	if ua, ok := HeaderValue(headers, "User-Agent"); ok && ua != "" {
		md.UserAgent = &ua
	}

	if !gjson.ValidBytes(body) {
		return md
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return md
	}

	md.EventType = firstString(root, eventTypeKeys)
	md.Language = firstString(root, languageKeys)
	md.Project = firstString(root, projectKeys)
	md.Editor = firstString(root, editorKeys)
	md.Platform = firstString(root, platformKeys)
	md.OperationType = firstString(root, operationTypeKeys)
	md.GitBranch = firstString(root, gitBranchKeys)
	md.AbsoluteFilepath = firstString(root, absoluteFileKeys)
	md.EventTime = parseEventTime(root)

	if md.AbsoluteFilepath != nil {
		md.WindowsUsername = ExtractWindowsUsername(*md.AbsoluteFilepath)
		md.FileExtension = ExtractFileExtension(*md.AbsoluteFilepath)
	}
	return md
}

func firstString(root gjson.Result, keys []string) *string {
	for _, key := range keys {
		v := root.Get(key)
		if v.Type == gjson.String {
			s := v.String()
			return &s
		}
	}
	return nil
}

func parseEventTime(root gjson.Result) *time.Time {
	for _, key := range eventTimeKeys {
		v := root.Get(key)
		switch v.Type {
		case gjson.Number:
			t := time.UnixMilli(v.Int()).UTC()
			return &t
		case gjson.String:
			s := strings.TrimSpace(v.String())
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				t := time.UnixMilli(ms).UTC()
				return &t
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				t := time.UnixMilli(int64(f)).UTC()
				return &t
			}
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				t = t.UTC()
				return &t
			}
			return nil
		}
	}
	return nil
}

// ExtractClientIP returns the first valid address from X-Real-IP, then the
// first X-Forwarded-For entry, then the host part of remoteAddr.
func ExtractClientIP(headers map[string]string, remoteAddr string) *string {
	if v, ok := HeaderValue(headers, "X-Real-IP"); ok {
		if ip, ok := parseIP(v); ok {
			return &ip
		}
	}
	if v, ok := HeaderValue(headers, "X-Forwarded-For"); ok {
		first, _, _ := strings.Cut(v, ",")
		if ip, ok := parseIP(first); ok {
			return &ip
		}
	}
	if remoteAddr == "" {
		return nil
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	if ip, ok := parseIP(host); ok {
		return &ip
	}
	return nil
}

func parseIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.String(), true
}

// ExtractWindowsUsername returns <name> from a path like C:\Users\<name>\...
func ExtractWindowsUsername(path string) *string {
	m := windowsUserPattern.FindStringSubmatch(path)
	if m == nil {
		return nil
	}
	name := m[1]
	return &name
}

// ExtractFileExtension returns the extension of the last path element,
// dot included. Both slash styles separate elements.
func ExtractFileExtension(path string) *string {
	if path == "" {
		return nil
	}
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	i := strings.LastIndexByte(base, '.')
	if i <= 0 || i == len(base)-1 {
		return nil
	}
	ext := base[i:]
	return &ext
}
