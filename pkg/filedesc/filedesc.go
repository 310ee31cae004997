package filedesc

import "github.com/google/uuid"

type FileDesc struct {
	Session         string
	Path            string
	Name            string
	Size            int64
	ContentType     string
	ContentEncoding string
	Md5             string
}

// EnsureSession 未指定会话 ID 时分配一个新的 UUID
func (f *FileDesc) EnsureSession() string {
	if f.Session == "" {
		f.Session = uuid.NewString()
	}
	return f.Session
}
