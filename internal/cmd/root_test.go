package cmd

import (
	"bytes"
	"testing"
)

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "aelita" {
		t.Errorf("Expected Use = aelita, got %s", rootCmd.Use)
	}

	want := map[string]bool{
		"init": false, "serve": false, "migrate": false, "auth": false,
		"repos": false, "invite <handle>": false, "admin": false,
	}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Use]; ok {
			want[cmd.Use] = true
		}
	}
	for use, found := range want {
		if !found {
			t.Errorf("%s command not found in root command", use)
		}
	}
}

func TestRootCommandHelp(t *testing.T) {
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"--help"})

	err := rootCmd.Execute()
	if err != nil {
		t.Fatalf("Failed to execute help command: %v", err)
	}

	output := buf.String()
	for _, word := range []string{"aelita", "serve", "repos", "invite", "admin", "--config"} {
		if !bytes.Contains([]byte(output), []byte(word)) {
			t.Errorf("Help output doesn't contain %q", word)
		}
	}
}

func TestSubcommandFlags(t *testing.T) {
	tests := []struct {
		cmdName string
		flags   []string
	}{
		{cmdName: "login", flags: []string{"timeout", "no-browser"}},
		{cmdName: "list", flags: []string{"owner", "as"}},
		{cmdName: "add", flags: []string{"contexts", "as"}},
		{cmdName: "edit", flags: []string{"contexts", "master", "staging", "push-to-master", "as"}},
		{cmdName: "invite", flags: []string{"as"}},
	}

	for _, tt := range tests {
		t.Run(tt.cmdName, func(t *testing.T) {
			path := map[string][]string{
				"login":  {"auth", "login"},
				"list":   {"repos", "list"},
				"add":    {"repos", "add"},
				"edit":   {"repos", "edit"},
				"invite": {"invite"},
			}[tt.cmdName]

			cmd, _, err := rootCmd.Find(path)
			if err != nil {
				t.Fatalf("Find(%v) error = %v", path, err)
			}
			for _, name := range tt.flags {
				flag := cmd.Flags().Lookup(name)
				if flag == nil {
					flag = cmd.InheritedFlags().Lookup(name)
				}
				if flag == nil {
					t.Errorf("%s has no --%s flag", tt.cmdName, name)
				}
			}
		})
	}
}

func TestLoginTimeoutDefault(t *testing.T) {
	flag := loginCmd.Flags().Lookup("timeout")
	if flag == nil {
		t.Fatal("timeout flag not found")
	}
	if flag.DefValue != "300" {
		t.Errorf("Expected timeout default 300, got %s", flag.DefValue)
	}
}
