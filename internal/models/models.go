package models

import (
	"time"
)

// Device is a peer seen on the local network.
type Device struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Address  string    `json:"address"`
	Port     int       `json:"port"`
	LastSeen time.Time `json:"lastSeen"`
}

// ReceivedFile is a file that landed on this device's transfer server.
type ReceivedFile struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Time     time.Time `json:"time"`
	Checksum string    `json:"checksum,omitempty"`
	Path     string    `json:"-"`
}

// Event strips the storage path for delivery to UI consumers.
func (f ReceivedFile) Event() FileReceivedEvent {
	return FileReceivedEvent{ID: f.ID, Name: f.Name, Size: f.Size, Time: f.Time}
}

type FileReceivedEvent struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Size int64     `json:"size"`
	Time time.Time `json:"time"`
}

const (
	TransferPending   = "pending"
	TransferSending   = "sending"
	TransferCompleted = "completed"
	TransferFailed    = "failed"
)

// Transfer tracks an outgoing send.
type Transfer struct {
	ID        string    `json:"id"`
	FileName  string    `json:"fileName"`
	FileSize  int64     `json:"fileSize"` // -1 when unknown
	Sent      int64     `json:"sent"`
	Progress  float64   `json:"progress"`
	Status    string    `json:"status"`
	PeerID    string    `json:"peerId"`
	PeerName  string    `json:"peerName"`
	FileID    string    `json:"fileId,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartTime time.Time `json:"startTime"`
}

// DeviceInfo is a transfer server's self-description.
type DeviceInfo struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	IP         string `json:"ip"`
	HTTPPort   int    `json:"httpPort"`
}
