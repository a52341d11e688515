package ort

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/vision-runner/vision-runner/pkg/internal/dockerhub"
	"github.com/vision-runner/vision-runner/pkg/logging"
)

const (
	hubNamespace = "visionrunner"
	hubRepo      = "onnxruntime"
	// hubReleaseTag is the tag whose digest identifies the current runtime
	// library release.
	hubReleaseTag = "latest"

	versionFileName = ".ort_version"
)

// sharedLibraryName returns the platform's ONNX Runtime library file name
// prefix used to locate the library inside the extracted image.
func sharedLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// ensureRuntimeLibrary makes sure the current ONNX Runtime shared library
// release is installed under runtimeDir and returns its path. The release is
// shipped as an OCI image on Docker Hub; the latest digest is resolved
// through the Hub tags API and cached in a version file so that repeated
// starts don't hit the network path.
func ensureRuntimeLibrary(ctx context.Context, log logging.Logger, httpClient *http.Client, runtimeDir string) (string, error) {
	latest, err := latestReleaseDigest(ctx, httpClient)
	if err != nil {
		// Offline hosts keep working with whatever is already installed.
		if installed, statErr := installedLibrary(runtimeDir); statErr == nil {
			log.Warnf("could not check for runtime library updates, using installed version: %v", err)
			return installed, nil
		}
		return "", fmt.Errorf("resolving latest runtime release: %w", err)
	}

	versionFile := filepath.Join(runtimeDir, versionFileName)
	if data, err := os.ReadFile(versionFile); err == nil && strings.TrimSpace(string(data)) == latest {
		if installed, err := installedLibrary(runtimeDir); err == nil {
			log.Infoln("ONNX Runtime library is up to date")
			return installed, nil
		}
		log.Infoln("runtime library missing despite current version file, reinstalling")
	} else if err == nil {
		log.Infof("runtime library is outdated: %s vs %s, updating", strings.TrimSpace(string(data)), latest)
	}

	image := fmt.Sprintf("registry-1.docker.io/%s/%s@%s", hubNamespace, hubRepo, latest)
	if err := installFromImage(ctx, log, image, runtimeDir); err != nil {
		return "", err
	}
	libraryPath, err := installedLibrary(runtimeDir)
	if err != nil {
		return "", fmt.Errorf("runtime image did not contain %s: %w", sharedLibraryName(), err)
	}
	if err := os.WriteFile(versionFile, []byte(latest), 0o644); err != nil {
		log.Warnf("failed to record runtime library version: %v", err)
	}
	log.Infoln("successfully installed ONNX Runtime library")
	return libraryPath, nil
}

// latestReleaseDigest resolves the digest of the release tag via the Docker
// Hub tags API.
func latestReleaseDigest(ctx context.Context, httpClient *http.Client) (string, error) {
	url := fmt.Sprintf("https://hub.docker.com/v2/namespaces/%s/repositories/%s/tags", hubNamespace, hubRepo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s from tags API", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	return parseReleaseDigest(body)
}

// parseReleaseDigest extracts the release tag's digest from a Hub tags API
// response.
func parseReleaseDigest(body []byte) (string, error) {
	// https://docs.docker.com/reference/api/hub/latest/#tag/repositories
	var response struct {
		Results []struct {
			Name   string `json:"name"`
			Digest string `json:"digest"`
		}
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to unmarshal response body: %w", err)
	}
	for _, tag := range response.Results {
		if tag.Name == hubReleaseTag && tag.Digest != "" {
			return tag.Digest, nil
		}
	}
	return "", fmt.Errorf("could not find a %s tag", hubReleaseTag)
}

// installFromImage pulls the runtime image, extracts it, and moves its lib/
// tree into runtimeDir.
func installFromImage(ctx context.Context, log logging.Logger, image, runtimeDir string) error {
	downloadDir, err := os.MkdirTemp("", "vision-runner-ort")
	if err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}
	defer os.RemoveAll(downloadDir)

	log.Infof("extracting runtime image %q", image)
	imageTar := filepath.Join(downloadDir, "image.tar")
	if err := dockerhub.PullPlatform(ctx, image, imageTar, runtime.GOOS, runtime.GOARCH); err != nil {
		return fmt.Errorf("pulling runtime image: %w", err)
	}
	extractDir := filepath.Join(downloadDir, "rootfs")
	if err := dockerhub.Extract(imageTar, runtime.GOARCH, runtime.GOOS, extractDir); err != nil {
		return fmt.Errorf("extracting runtime image: %w", err)
	}

	libDir, err := findLibraryDir(extractDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return fmt.Errorf("creating runtime directory: %w", err)
	}
	target := filepath.Join(runtimeDir, "lib")
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("removing previous runtime library: %w", err)
	}
	if err := os.Rename(libDir, target); err != nil {
		return fmt.Errorf("installing runtime library: %w", err)
	}
	return nil
}

// findLibraryDir locates the directory containing the shared library inside
// an extracted image tree.
func findLibraryDir(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), sharedLibraryName()) {
			found = filepath.Dir(path)
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scanning extracted image: %w", err)
	}
	if found == "" {
		return "", errors.New("no ONNX Runtime shared library in runtime image")
	}
	return found, nil
}

// installedLibrary returns the path of an already installed runtime library,
// if any. Library files may carry a version suffix (libonnxruntime.so.1.21.0)
// so the lib directory is scanned by prefix.
func installedLibrary(runtimeDir string) (string, error) {
	libDir := filepath.Join(runtimeDir, "lib")
	entries, err := os.ReadDir(libDir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), sharedLibraryName()) {
			return filepath.Join(libDir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no %s in %s", sharedLibraryName(), libDir)
}
