package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptSecretsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), SecretsFileName)

	password := "test-password-12345"
	secrets := map[string]string{
		WebhookTokenName: "tok_9f8e7d6c",
		"OPENAI_API_KEY": "sk-test-openai",
	}

	if err := EncryptSecretsFile(path, password, secrets); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Secrets file was not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected file permissions 0600, got %04o", info.Mode().Perm())
	}

	decrypted, err := DecryptSecretsFile(path, password)
	if err != nil {
		t.Fatalf("Failed to decrypt secrets: %v", err)
	}

	if len(decrypted) != len(secrets) {
		t.Errorf("Expected %d secrets, got %d", len(secrets), len(decrypted))
	}
	for key, want := range secrets {
		if got, exists := decrypted[key]; !exists {
			t.Errorf("Secret %s not found in decrypted data", key)
		} else if got != want {
			t.Errorf("Secret %s: expected %q, got %q", key, want, got)
		}
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), SecretsFileName)

	if err := EncryptSecretsFile(path, "correct-password", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}

	if _, err := DecryptSecretsFile(path, "wrong-password"); err == nil {
		t.Error("Expected decryption to fail with wrong password")
	}
}

func TestDecryptCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), SecretsFileName)
	if err := os.WriteFile(path, []byte("too short"), 0600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	if _, err := DecryptSecretsFile(path, "any"); err == nil {
		t.Error("Expected decryption of corrupted file to fail")
	}
}

func TestDecryptFixesLoosePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), SecretsFileName)

	if err := EncryptSecretsFile(path, "pw", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("Failed to loosen permissions: %v", err)
	}

	if _, err := DecryptSecretsFile(path, "pw"); err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected permissions tightened to 0600, got %04o", info.Mode().Perm())
	}
}

func TestWebhookTokenPrecedence(t *testing.T) {
	t.Run("EnvironmentWins", func(t *testing.T) {
		t.Setenv(EnvWebhookToken, "tok_from_env")
		token, err := WebhookToken("")
		if err != nil {
			t.Fatalf("WebhookToken failed: %v", err)
		}
		if token != "tok_from_env" {
			t.Errorf("Expected env token, got %q", token)
		}
	})

	t.Run("SecretsFileBesideConfig", func(t *testing.T) {
		t.Setenv(EnvWebhookToken, "")
		t.Setenv(EnvSecretsPassword, "pw")

		dir := t.TempDir()
		configPath := filepath.Join(dir, "agentpool.yaml")
		if err := os.WriteFile(configPath, []byte("strategy: adaptive\n"), 0644); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}
		secretsPath := filepath.Join(dir, SecretsFileName)
		if err := EncryptSecretsFile(secretsPath, "pw", map[string]string{WebhookTokenName: "tok_from_file"}); err != nil {
			t.Fatalf("Failed to encrypt secrets: %v", err)
		}

		token, err := WebhookToken(configPath)
		if err != nil {
			t.Fatalf("WebhookToken failed: %v", err)
		}
		if token != "tok_from_file" {
			t.Errorf("Expected file token, got %q", token)
		}
	})

	t.Run("MissingPasswordIsAnError", func(t *testing.T) {
		t.Setenv(EnvWebhookToken, "")
		t.Setenv(EnvSecretsPassword, "")

		dir := t.TempDir()
		configPath := filepath.Join(dir, "agentpool.yaml")
		if err := EncryptSecretsFile(filepath.Join(dir, SecretsFileName), "pw", map[string]string{WebhookTokenName: "tok"}); err != nil {
			t.Fatalf("Failed to encrypt secrets: %v", err)
		}

		if _, err := WebhookToken(configPath); err == nil {
			t.Error("Expected error when secrets file exists without a password")
		}
	})

	t.Run("NoFileNoToken", func(t *testing.T) {
		t.Setenv(EnvWebhookToken, "")
		configPath := filepath.Join(t.TempDir(), "agentpool.yaml")

		token, err := WebhookToken(configPath)
		if err != nil {
			t.Fatalf("WebhookToken failed: %v", err)
		}
		if token != "" {
			t.Errorf("Expected empty token, got %q", token)
		}
	})
}
