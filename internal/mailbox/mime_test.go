package mailbox

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onlycat/backend/internal/domain"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseMessage(t *testing.T) {
	t.Run("纯文本邮件", func(t *testing.T) {
		raw := crlf(`From: "Mercado Pago" <Noreply@MercadoPago.com>
Subject: Venda aprovada
Message-ID: <abc123@mp.example>
Date: Tue, 14 May 2024 10:20:00 -0300
Content-Type: text/plain; charset=utf-8

Valor recebido R$ 35,00
`)

		msg, err := ParseMessage(raw)

		require.NoError(t, err)
		assert.Equal(t, "Venda aprovada", msg.Subject)
		assert.Equal(t, "noreply@mercadopago.com", msg.From)
		assert.Equal(t, "abc123@mp.example", msg.MessageID)
		assert.Contains(t, msg.Text, "R$ 35,00")
		assert.Empty(t, msg.HTML)
		assert.True(t, msg.Date.Equal(time.Date(2024, 5, 14, 13, 20, 0, 0, time.UTC)))
	})

	t.Run("多部分邮件取文本和HTML并跳过附件", func(t *testing.T) {
		raw := crlf(`From: pix@bank.example
Subject: =?UTF-8?Q?Voc=C3=AA_recebeu_um_PIX?=
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=utf-8

Você recebeu R$ 25,00
--inner
Content-Type: text/html; charset=utf-8
Content-Transfer-Encoding: base64

PGI+UiQgMjUsMDA8L2I+
--inner--
--outer
Content-Type: text/plain
Content-Disposition: attachment; filename="comprovante.txt"

R$ 999,99
--outer--
`)

		msg, err := ParseMessage(raw)

		require.NoError(t, err)
		assert.Equal(t, "Você recebeu um PIX", msg.Subject)
		assert.Equal(t, "Você recebeu R$ 25,00", strings.TrimSpace(msg.Text))
		assert.Equal(t, "<b>R$ 25,00</b>", msg.HTML)
		assert.NotContains(t, msg.Text, "999,99")
	})

	t.Run("Latin-1和quoted-printable正文转为UTF-8", func(t *testing.T) {
		raw := crlf(`Subject: =?ISO-8859-1?Q?Pagamento_recebido_-_Cart=E3o?=
Content-Type: text/plain; charset=ISO-8859-1
Content-Transfer-Encoding: quoted-printable

Pagamento aprovado: cart=E3o de cr=E9dito, valor 12,00
`)

		msg, err := ParseMessage(raw)

		require.NoError(t, err)
		assert.Equal(t, "Pagamento recebido - Cartão", msg.Subject)
		assert.Contains(t, msg.Text, "cartão de crédito")
	})

	t.Run("HTML单部分邮件", func(t *testing.T) {
		raw := crlf(`Subject: payment
Content-Type: text/html

<p>$ 5.00</p>
`)

		msg, err := ParseMessage(raw)

		require.NoError(t, err)
		assert.Empty(t, msg.Text)
		assert.Contains(t, msg.HTML, "$ 5.00")
	})

	t.Run("没有Date头时日期为零值", func(t *testing.T) {
		msg, err := ParseMessage(crlf("Subject: venda\n\nR$ 1,00\n"))

		require.NoError(t, err)
		assert.True(t, msg.Date.IsZero())
		assert.Contains(t, msg.Text, "R$ 1,00")
	})

	t.Run("头部格式错误返回ParseError", func(t *testing.T) {
		_, err := ParseMessage([]byte("this line is not a header\r\n\r\nbody"))

		var parseErr *domain.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.False(t, domain.IsFatal(err))
	})

	t.Run("multipart缺少boundary返回ParseError", func(t *testing.T) {
		raw := crlf(`Subject: venda
Content-Type: multipart/mixed

body
`)

		_, err := ParseMessage(raw)

		var parseErr *domain.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.ErrorIs(t, err, errMissingBoundary)
	})
}

func TestDecodeHeader(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"普通文本", "Venda aprovada", "Venda aprovada"},
		{"UTF-8编码字", "=?UTF-8?Q?Venda_aprovada_=E2=9C=93?=", "Venda aprovada ✓"},
		{"utf8标签不带连字符", "=?utf8?Q?Pagamento_recebido?=", "Pagamento recebido"},
		{"Latin-1编码字", "=?ISO-8859-1?Q?Pagamento_confirmado_=E0_vista?=", "Pagamento confirmado à vista"},
		{"未知字符集保留原值", "=?x-unknown?Q?abc?=", "=?x-unknown?Q?abc?="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeHeader(tt.value))
		})
	}
}

func TestCharsetReader(t *testing.T) {
	for _, label := range []string{"utf-8", "UTF8", "us-ascii", "ascii"} {
		r, err := charsetReader(label, strings.NewReader("venda"))
		require.NoError(t, err, label)

		buf := new(strings.Builder)
		_, err = io.Copy(buf, r)
		require.NoError(t, err)
		assert.Equal(t, "venda", buf.String(), label)
	}

	_, err := charsetReader("x-unknown", strings.NewReader("venda"))
	assert.Error(t, err)
}
