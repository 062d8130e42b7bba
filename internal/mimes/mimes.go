package mimes

import (
	"path/filepath"
	"strings"
)

const (
	AudioAIFF       = "audio/aiff"
	AudioFLAC       = "audio/flac"
	AudioMP3        = "audio/mp3"
	AudioMP4        = "audio/mp4"
	AudioOGG        = "audio/ogg"
	AudioWAV        = "audio/wave"
	ImageGIF        = "image/gif"
	ImageJPEG       = "image/jpeg"
	ImagePNG        = "image/png"
	ImageSVG        = "image/svg+xml"
	ImageWEBP       = "image/webp"
	VideoMP4        = "video/mp4"
	VideoWEBM       = "video/webm"
	TextCSV         = "text/csv"
	TextHTML        = "text/html"
	TextMarkdown    = "text/markdown"
	TextPlain       = "text/plain"
	ApplicationJSON = "application/json"
	ApplicationPDF  = "application/pdf"
	ApplicationTAR  = "application/x-tar"
	ApplicationZIP  = "application/zip"
	ApplicationGZIP = "application/gzip"

	// OctetStream is what clients send when they do not know better.
	OctetStream = "application/octet-stream"
)

var byExtension = map[string]string{
	".aif":  AudioAIFF,
	".aiff": AudioAIFF,
	".flac": AudioFLAC,
	".mp3":  AudioMP3,
	".m4a":  AudioMP4,
	".ogg":  AudioOGG,
	".wav":  AudioWAV,
	".gif":  ImageGIF,
	".jpg":  ImageJPEG,
	".jpeg": ImageJPEG,
	".png":  ImagePNG,
	".svg":  ImageSVG,
	".webp": ImageWEBP,
	".mp4":  VideoMP4,
	".webm": VideoWEBM,
	".csv":  TextCSV,
	".htm":  TextHTML,
	".html": TextHTML,
	".md":   TextMarkdown,
	".txt":  TextPlain,
	".json": ApplicationJSON,
	".pdf":  ApplicationPDF,
	".tar":  ApplicationTAR,
	".zip":  ApplicationZIP,
	".gz":   ApplicationGZIP,
}

// FromFilename guesses a content type from the file extension. Unknown
// extensions return "".
func FromFilename(name string) string {
	return byExtension[strings.ToLower(filepath.Ext(name))]
}

// Resolve returns declared unless it is empty or generic, in which case the
// type is guessed from name, falling back to OctetStream.
func Resolve(declared, name string) string {
	if declared != "" && declared != OctetStream {
		return declared
	}
	if guessed := FromFilename(name); guessed != "" {
		return guessed
	}
	return OctetStream
}
