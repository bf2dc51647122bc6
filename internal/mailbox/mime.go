package mailbox

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"onlycat/backend/internal/domain"
)

// maxMultipartDepth 限制 multipart 嵌套层数
const maxMultipartDepth = 8

var (
	errMissingBoundary = errors.New("multipart message without boundary")
	errTooDeep         = errors.New("multipart nesting too deep")
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// ParseMessage 将原始邮件字节解析为 RawMessage。
//
// 只保留第一段 text/plain 和第一段 text/html，附件被跳过。
// 无法按 RFC 5322 / MIME 解析时返回 *domain.ParseError。
func ParseMessage(raw []byte) (*domain.RawMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, &domain.ParseError{Err: fmt.Errorf("read message: %w", err)}
	}

	parsed := &domain.RawMessage{
		MessageID: strings.Trim(strings.TrimSpace(msg.Header.Get("Message-Id")), "<>"),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		From:      decodeAddress(msg.Header.Get("From")),
	}
	if date, err := msg.Header.Date(); err == nil {
		parsed.Date = date
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// 没有 Content-Type 或无法解析时按纯文本处理
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), "")
		if err != nil {
			return nil, &domain.ParseError{Err: fmt.Errorf("decode body: %w", err)}
		}
		parsed.Text = body
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, &domain.ParseError{Err: errMissingBoundary}
		}
		if err := parseMultipart(multipart.NewReader(msg.Body, boundary), parsed, 1); err != nil {
			return nil, &domain.ParseError{Err: fmt.Errorf("parse multipart: %w", err)}
		}
		return parsed, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return nil, &domain.ParseError{Err: fmt.Errorf("decode body: %w", err)}
	}
	if strings.HasPrefix(mediaType, "text/html") {
		parsed.HTML = body
	} else {
		parsed.Text = body
	}

	return parsed, nil
}

// parseMultipart 递归解析多部分邮件
func parseMultipart(mr *multipart.Reader, parsed *domain.RawMessage, depth int) error {
	if depth > maxMultipartDepth {
		return errTooDeep
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if disposition := part.Header.Get("Content-Disposition"); disposition != "" {
			if dispType, _, _ := mime.ParseMediaType(disposition); dispType == "attachment" {
				continue
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), parsed, depth+1); err != nil {
					return err
				}
			}
			continue
		}

		if !strings.HasPrefix(mediaType, "text/") {
			continue
		}

		// multipart.Part 会自动解码 quoted-printable 并删除该头
		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		case strings.HasPrefix(mediaType, "text/plain"):
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}
}

// decodeBody 根据传输编码解码，再转换字符集到 UTF-8
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	var decoded io.Reader
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		decoded = reader
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	if enc := lookupCharset(charset); enc != nil {
		if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
			body = converted
		}
	}

	return string(body), nil
}

// isUTF8Label 判断字符集标签是否可按 UTF-8 原样读取
func isUTF8Label(charset string) bool {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(charset), `"`)) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

// lookupCharset 按 WHATWG 标签查找编码，UTF-8/ASCII 和未知字符集返回 nil
func lookupCharset(charset string) encoding.Encoding {
	if isUTF8Label(charset) {
		return nil
	}
	enc, err := htmlindex.Get(strings.ToLower(strings.Trim(strings.TrimSpace(charset), `"`)))
	if err != nil {
		return nil
	}
	return enc
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	if isUTF8Label(charset) {
		return input, nil
	}
	enc := lookupCharset(charset)
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// decodeHeader 解码 RFC 2047 编码字，失败时返回原值
func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// decodeAddress 提取发件人地址，失败时返回解码后的原始头
func decodeAddress(value string) string {
	if value == "" {
		return ""
	}
	parser := mail.AddressParser{WordDecoder: wordDecoder}
	addr, err := parser.Parse(value)
	if err != nil {
		return decodeHeader(value)
	}
	return strings.ToLower(addr.Address)
}
