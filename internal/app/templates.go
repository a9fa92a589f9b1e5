package app

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/RayIwobi/Ecom-backend/internal/domain"
)

var merchantSummaryTemplate = template.Must(template.New("merchant").Parse(`
<h2>New Order Received</h2>
<p><strong>Order:</strong> {{.OrderID}}</p>
<p><strong>Customer:</strong> {{.CustomerName}} ({{.CustomerEmail}})</p>
<p><strong>Phone:</strong> {{if .CustomerPhone}}{{.CustomerPhone}}{{else}}Not provided{{end}}</p>
<p><strong>Address:</strong> {{if .DeliveryAddress}}{{.DeliveryAddress}}{{else}}Not provided{{end}}</p>
<p><strong>Payment ID:</strong> {{.PaymentReference}}</p>
<p><strong>Total:</strong> {{.Total}}</p>
<ul>
{{- range .Items}}
  <li>{{.Name}} - Qty: {{.Quantity}} - {{.UnitPrice}}</li>
{{- end}}
</ul>
`))

var customerReceiptTemplate = template.Must(template.New("customer").Parse(`
<h2>Thank you, {{.CustomerName}}!</h2>
<p>We've received your order and will begin processing it shortly.</p>
<p><strong>Order reference:</strong> {{.OrderID}}</p>
<p><strong>Delivery Address:</strong> {{.DeliveryAddress}}</p>
<h3>Your Order:</h3>
<ul>
{{- range .Items}}
  <li>{{.Quantity}} × {{.Name}} ({{.UnitPrice}} each)</li>
{{- end}}
</ul>
<p><strong>Total:</strong> {{.Total}}</p>
<p>If you have any questions, just reply to this email.</p>
<p>– The {{.StoreName}} Team</p>
`))

type templateItem struct {
	Name      string
	Quantity  int
	UnitPrice string
}

type templateData struct {
	OrderID          string
	StoreName        string
	CustomerName     string
	CustomerEmail    string
	CustomerPhone    string
	DeliveryAddress  string
	PaymentReference string
	Items            []templateItem
	Total            string
}

func newTemplateData(order *domain.FinalizedOrder, storeName, symbol string) templateData {
	exp := domain.CurrencyExponent(order.Currency)
	items := make([]templateItem, 0, len(order.LineItems))
	for _, item := range order.LineItems {
		items = append(items, templateItem{
			Name:      item.ProductName,
			Quantity:  item.Quantity,
			UnitPrice: symbol + item.UnitPrice.StringFixed(exp),
		})
	}

	var phone string
	if order.CustomerPhone != nil {
		phone = strings.TrimSpace(*order.CustomerPhone)
	}

	return templateData{
		OrderID:          order.ID.String(),
		StoreName:        storeName,
		CustomerName:     order.CustomerName,
		CustomerEmail:    order.CustomerEmail,
		CustomerPhone:    phone,
		DeliveryAddress:  order.DeliveryAddress,
		PaymentReference: order.PaymentReferenceID,
		Items:            items,
		Total:            symbol + domain.FormatAmount(order.TotalMinor, order.Currency),
	}
}

func render(tmpl *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
