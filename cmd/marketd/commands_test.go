package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onchain-market/market-node/marketClient/constant"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInitWritesConfig(t *testing.T) {
	home := t.TempDir()

	out, err := execute(t, "init", "--home", home)
	require.NoError(t, err)
	assert.Contains(t, out, home)
	assert.FileExists(t, filepath.Join(home, constant.ConfigSubdir, constant.ConfigFileName))

	port, err := getQueryServerPort(home)
	require.NoError(t, err)
	assert.Equal(t, 8080, port)
}

func TestGetQueryServerPortWithoutConfig(t *testing.T) {
	_, err := getQueryServerPort(t.TempDir())
	assert.ErrorContains(t, err, "failed to load config")
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "marketd")
	assert.Contains(t, out, Version)
}

func TestArgumentValidation(t *testing.T) {
	home := t.TempDir()

	_, err := execute(t, "create-bounty", "logo", "not-a-number", "--home", home)
	assert.Error(t, err)

	_, err = execute(t, "submit", "abc", "file.png", "--home", home)
	assert.ErrorContains(t, err, "invalid bounty id")

	_, err = execute(t, "submit", "1", filepath.Join(home, "missing.png"), "--home", home)
	assert.ErrorContains(t, err, "failed to read deliverable")

	_, err = execute(t, "query", "bounty", "--home", home)
	assert.Error(t, err)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/bounties":
			_, _ = w.Write([]byte(`{"data":[{"id":2,"reward":"0.5","reward_wei":"500000000000000000","is_active":true,"submissions":[]}],"last_fetched":"2026-01-02T03:04:05Z"}`))
		case "/api/v1/bounties/9":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"bounty 9 not found"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	var bounties []BountyOutput
	lastFetched, err := fetch(srv.URL+"/api/v1/bounties", &bounties)
	require.NoError(t, err)
	require.Len(t, bounties, 1)
	assert.Equal(t, uint64(2), bounties[0].ID)
	assert.Equal(t, "0.5", bounties[0].Reward)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), lastFetched.UTC())

	var b BountyOutput
	_, err = fetch(srv.URL+"/api/v1/bounties/9", &b)
	assert.EqualError(t, err, "server error: bounty 9 not found")

	_, err = fetch(srv.URL+"/other", &b)
	assert.EqualError(t, err, "server returned status 502")
}

func TestPrintOutput(t *testing.T) {
	score := uint8(7)
	data := BountiesOutput{
		Bounty: &BountyOutput{
			ID:       3,
			Reward:   "1.25",
			IsActive: false,
			Winner:   "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			Submissions: []SubmissionOutput{
				{Submitter: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Status: "accepted", Score: &score},
			},
		},
	}

	var yamlOut bytes.Buffer
	require.NoError(t, printOutput(&yamlOut, data, OutputFormatYAML))
	assert.Contains(t, yamlOut.String(), "reward: \"1.25\"")
	assert.Contains(t, yamlOut.String(), "score: 7")
	assert.NotContains(t, yamlOut.String(), "bounties:")

	var jsonOut bytes.Buffer
	require.NoError(t, printOutput(&jsonOut, data, OutputFormatJSON))
	assert.Contains(t, jsonOut.String(), `"winner": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"`)

	assert.EqualError(t, printOutput(&jsonOut, data, "xml"), "unsupported output format: xml")
}
