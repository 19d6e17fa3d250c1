package artifact

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"

	"example.com/fulfillment/internal/order"
)

// Renderer draws the order documents. Output is deterministic for a given
// order and timestamp.
type Renderer struct {
	sender order.Address
	store  string
}

func NewRenderer(storeName string, sender order.Address) *Renderer {
	if strings.TrimSpace(storeName) == "" {
		storeName = "Loja"
	}
	return &Renderer{sender: sender, store: storeName}
}

type page struct {
	pdf *fpdf.Fpdf
	tr  func(string) string
}

func (r *Renderer) newPage(title string, at time.Time) page {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(at.UTC())
	pdf.SetModificationDate(at.UTC())
	pdf.SetTitle(title, true)
	pdf.SetAuthor(r.store, true)
	pdf.SetCreator("fulfillment", false)
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()
	return page{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor("")}
}

func (p page) heading(text string) {
	p.pdf.SetFont("Helvetica", "B", 16)
	p.pdf.CellFormat(0, 10, p.tr(text), "", 1, "L", false, 0, "")
	p.pdf.Ln(2)
}

func (p page) section(text string) {
	p.pdf.Ln(3)
	p.pdf.SetFont("Helvetica", "B", 11)
	p.pdf.CellFormat(0, 7, p.tr(text), "B", 1, "L", false, 0, "")
	p.pdf.Ln(1)
}

func (p page) line(label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	p.pdf.SetFont("Helvetica", "B", 10)
	p.pdf.CellFormat(40, 6, p.tr(label), "", 0, "L", false, 0, "")
	p.pdf.SetFont("Helvetica", "", 10)
	p.pdf.MultiCell(0, 6, p.tr(value), "", "L", false)
}

func (p page) text(value string) {
	p.pdf.SetFont("Helvetica", "", 10)
	p.pdf.MultiCell(0, 6, p.tr(value), "", "L", false)
}

func (p page) bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ShippingSlip is the packing label taped to the parcel: sender, recipient
// and the chosen shipping service.
func (r *Renderer) ShippingSlip(o order.Order, at time.Time) ([]byte, error) {
	p := r.newPage("Etiqueta "+o.ExternalOrderID, at)
	p.heading("Etiqueta de envio")
	p.line("Pedido", o.ExternalOrderID)

	p.section("Remetente")
	p.text(formatAddress(r.sender))

	p.section("Destinatário")
	p.text(formatAddress(o.ShippingAddress))
	p.line("Telefone", firstNonEmpty(o.ShippingAddress.Phone, o.Customer.Phone))

	p.section("Envio")
	if o.Shipping != nil {
		p.line("Transportadora", string(o.Shipping.CarrierName))
		p.line("Serviço", o.Shipping.ServiceName)
		p.line("Prazo", deliveryRange(o.Shipping.MinDays, o.Shipping.MaxDays))
	} else {
		p.text("Envio combinado diretamente com a loja.")
	}
	p.line("Rastreio", o.TrackingCode)

	p.section("Conteúdo")
	p.line("Produto", productLine(o.Product))

	b, err := p.bytes()
	if err != nil {
		return nil, fmt.Errorf("render shipping slip: %w", err)
	}
	return b, nil
}

// Receipt summarizes what was paid.
func (r *Renderer) Receipt(o order.Order, at time.Time) ([]byte, error) {
	p := r.newPage("Recibo "+o.ExternalOrderID, at)
	p.heading("Recibo de pagamento")
	p.line("Loja", r.store)
	p.line("Pedido", o.ExternalOrderID)
	p.line("Referência", o.ExternalReference)
	p.line("Emitido em", at.UTC().Format("02/01/2006 15:04 UTC"))

	p.section("Cliente")
	p.line("Nome", o.Customer.Name)
	p.line("E-mail", o.Customer.Email)
	p.line("Documento", o.Customer.Document)

	p.section("Itens")
	p.line("Produto", productLine(o.Product))
	p.line("Subtotal", money(o.ItemsMinor()))
	p.line("Frete", money(o.ShippingCostMinor))
	p.line("Total", money(o.TotalMinor))

	p.section("Pagamento")
	p.line("Situação", o.Status)
	p.line("Forma", o.PaymentMethod)
	if o.Installments > 1 {
		p.line("Parcelas", strconv.Itoa(o.Installments)+"x")
	}

	b, err := p.bytes()
	if err != nil {
		return nil, fmt.Errorf("render receipt: %w", err)
	}
	return b, nil
}

// Artwork places the print-ready image at its physical size (scaled down to
// fit the page). Unsupported or missing bytes produce a page saying so; the
// boolean reports that case.
func (r *Renderer) Artwork(o order.Order, img []byte, at time.Time) ([]byte, bool, error) {
	kind := imageType(img)
	if kind != "" {
		if b, err := r.artworkPage(o, img, kind, at); err == nil && len(b) > 0 {
			return b, false, nil
		}
	}
	p := r.newPage("Arte "+o.ExternalOrderID, at)
	p.heading("Arte não disponível")
	p.line("Pedido", o.ExternalOrderID)
	p.line("Produto", productLine(o.Product))
	p.line("Arquivo", o.Artwork.URL)
	p.text("A arte final não foi recebida junto com o pedido. Recupere o arquivo e gere o pacote novamente.")
	b, err := p.bytes()
	if err != nil {
		return nil, true, fmt.Errorf("render artwork placeholder: %w", err)
	}
	return b, true, nil
}

func (r *Renderer) artworkPage(o order.Order, img []byte, kind string, at time.Time) ([]byte, error) {
	p := r.newPage("Arte "+o.ExternalOrderID, at)
	p.pdf.SetFont("Helvetica", "", 9)
	p.pdf.CellFormat(0, 5, p.tr(o.ExternalOrderID+" · "+productLine(o.Product)), "", 1, "L", false, 0, "")

	opts := fpdf.ImageOptions{ImageType: kind, ReadDpi: true}
	info := p.pdf.RegisterImageOptionsReader("artwork", opts, bytes.NewReader(img))
	if !p.pdf.Ok() || info == nil {
		return nil, p.pdf.Error()
	}

	pageW, pageH := p.pdf.GetPageSize()
	left, top, right, bottom := p.pdf.GetMargins()
	maxW := pageW - left - right
	maxH := pageH - top - bottom - 10

	w, h := o.Product.WidthCM*10, o.Product.HeightCM*10
	if w <= 0 || h <= 0 {
		w, h = info.Width(), info.Height()
	}
	if scale := min(maxW/w, maxH/h, 1); scale < 1 {
		w, h = w*scale, h*scale
	}
	p.pdf.ImageOptions("artwork", left, top+10, w, h, false, opts, 0, "")
	return p.bytes()
}

func imageType(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	switch http.DetectContentType(b) {
	case "image/png":
		return "PNG"
	case "image/jpeg":
		return "JPG"
	}
	return ""
}

func formatAddress(a order.Address) string {
	lines := []string{a.Name}
	street := strings.TrimSpace(a.Street + ", " + a.Number)
	if a.Complement != "" {
		street += " - " + a.Complement
	}
	lines = append(lines, strings.Trim(street, ", "))
	if a.District != "" {
		lines = append(lines, a.District)
	}
	lines = append(lines, strings.Trim(a.City+" / "+a.State, " /"))
	if a.PostalCode != "" {
		lines = append(lines, "CEP "+formatCEP(a.PostalCode))
	}
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func formatCEP(s string) string {
	var d strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			d.WriteRune(r)
		}
	}
	digits := d.String()
	if len(digits) != 8 {
		return s
	}
	return digits[:5] + "-" + digits[5:]
}

func productLine(p order.ProductSpec) string {
	parts := []string{}
	if p.Product != "" {
		parts = append(parts, p.Product)
	}
	if p.Format != "" {
		parts = append(parts, p.Format)
	}
	if p.WidthCM > 0 && p.HeightCM > 0 {
		parts = append(parts, fmt.Sprintf("%gx%g cm", p.WidthCM, p.HeightCM))
	}
	if p.Quantity > 0 {
		parts = append(parts, fmt.Sprintf("%d un.", p.Quantity))
	}
	return strings.Join(parts, " · ")
}

func deliveryRange(minDays, maxDays int) string {
	switch {
	case maxDays <= 0:
		return ""
	case minDays > 0 && minDays != maxDays:
		return fmt.Sprintf("%d a %d dias úteis", minDays, maxDays)
	default:
		return fmt.Sprintf("%d dias úteis", maxDays)
	}
}

// money formats minor units as "R$ 1.234,56".
func money(minor int64) string {
	s := decimal.New(minor, -2).StringFixed(2)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	out := "R$ " + b.String() + "," + frac
	if neg {
		out = "-" + out
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
