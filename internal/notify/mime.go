package notify

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
)

// buildRawMessage assembles the multipart/mixed message SES raw sending
// expects: plain-text body, the config file as an attachment, and the QR
// image inline.
func buildRawMessage(from, to, subject string, bodyText string, config, qr []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", w.Boundary())

	body, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {`text/plain; charset="utf-8"`},
	})
	if err != nil {
		return nil, err
	}
	if _, err := body.Write([]byte(bodyText)); err != nil {
		return nil, err
	}

	attachment, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"application/octet-stream"},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {`attachment; filename="wireguard.conf"`},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64(attachment, config); err != nil {
		return nil, err
	}

	image, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {`image/png; name="qrcode.png"`},
		"Content-Transfer-Encoding": {"base64"},
		"Content-ID":                {"<qrcode_image>"},
		"Content-Disposition":       {`inline; filename="qrcode.png"`},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64(image, qr); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 writes data base64-encoded and wrapped at 76 columns per
// RFC 2045.
func writeBase64(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := 76
		if len(encoded) < n {
			n = len(encoded)
		}
		if _, err := fmt.Fprintf(w, "%s\r\n", encoded[:n]); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}
