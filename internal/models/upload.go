package models

import "time"

// UploadTarget is a short-lived write location for raw bytes.
type UploadTarget struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	StorageRef string            `json:"storageRef"`
	ExpiresAt  time.Time         `json:"expiresAt"`
}

// RegisterUploadInput carries everything needed to register stored bytes.
type RegisterUploadInput struct {
	OwnerID                   string   `json:"ownerId"`
	StorageRef                string   `json:"storageRef"`
	FileName                  string   `json:"fileName"`
	FileType                  string   `json:"fileType"`
	FileSize                  int64    `json:"fileSize"`
	Title                     string   `json:"title"`
	Description               string   `json:"description,omitempty"`
	Tags                      []string `json:"tags,omitempty"`
	RequestExternalProcessing bool     `json:"requestExternalProcessing"`
}
