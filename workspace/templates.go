package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"go.uber.org/zap"

	"forge/job"
)

// Project types the executor knows how to scaffold.
const (
	ProjectBlazor  = "blazor"
	ProjectWebAPI  = "webapi"
	ProjectConsole = "console"
	ProjectGeneric = "generic"
)

// Manifest describes a completed scaffold. Key files carry content
// inline; the rest are listed by path only.
type Manifest struct {
	ProjectType string           `json:"projectType"`
	TargetDir   string           `json:"targetDir"`
	Files       []job.FileChange `json:"files"`
	KeyFiles    []string         `json:"keyFiles"`
}

type templateFile struct {
	path string
	body string
	key  bool // Inlined into the generation prompt
}

// TemplateExecutor materializes project skeletons into an isolated
// working directory. It never writes into the user's workspace.
type TemplateExecutor struct {
	logger *zap.Logger
}

func NewTemplateExecutor(logger *zap.Logger) *TemplateExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemplateExecutor{logger: logger}
}

// Scaffold renders the project type's template set under an isolated
// temp directory and returns the manifest. Unknown project types fall
// back to the generic layout.
func (t *TemplateExecutor) Scaffold(ctx context.Context, projectType, projectName string) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if projectName == "" {
		projectName = "app"
	}

	files, ok := projectTemplates[projectType]
	if !ok {
		projectType = ProjectGeneric
		files = projectTemplates[ProjectGeneric]
	}

	targetDir, err := os.MkdirTemp("", "forge-scaffold-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scaffold directory: %w", err)
	}

	manifest := &Manifest{ProjectType: projectType, TargetDir: targetDir}
	data := struct{ Name string }{Name: projectName}

	for _, tf := range files {
		tmpl, err := template.New(tf.path).Parse(tf.body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", tf.path, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render template %s: %w", tf.path, err)
		}

		dest := filepath.Join(targetDir, filepath.FromSlash(tf.path))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return nil, fmt.Errorf("failed to create scaffold subdirectory: %w", err)
		}
		if err := os.WriteFile(dest, buf.Bytes(), 0644); err != nil {
			return nil, fmt.Errorf("failed to write scaffold file: %w", err)
		}

		manifest.Files = append(manifest.Files, job.FileChange{
			Path:       tf.path,
			Content:    buf.String(),
			ChangeType: job.ChangeAdd,
		})
		if tf.key {
			manifest.KeyFiles = append(manifest.KeyFiles, tf.path)
		}
	}

	t.logger.Debug("scaffold rendered",
		zap.String("projectType", projectType),
		zap.Int("files", len(manifest.Files)))
	return manifest, nil
}

var projectTemplates = map[string][]templateFile{
	ProjectConsole: {
		{path: "{{.Name}}.csproj", key: true, body: `<Project Sdk="Microsoft.NET.Sdk">
  <PropertyGroup>
    <OutputType>Exe</OutputType>
    <TargetFramework>net8.0</TargetFramework>
    <Nullable>enable</Nullable>
  </PropertyGroup>
</Project>
`},
		{path: "Program.cs", key: true, body: `Console.WriteLine("{{.Name}}");
`},
	},
	ProjectWebAPI: {
		{path: "{{.Name}}.csproj", key: true, body: `<Project Sdk="Microsoft.NET.Sdk.Web">
  <PropertyGroup>
    <TargetFramework>net8.0</TargetFramework>
    <Nullable>enable</Nullable>
  </PropertyGroup>
</Project>
`},
		{path: "Program.cs", key: true, body: `var builder = WebApplication.CreateBuilder(args);
builder.Services.AddControllers();

var app = builder.Build();
app.MapControllers();
app.Run();
`},
		{path: "appsettings.json", key: true, body: `{
  "Logging": {
    "LogLevel": {
      "Default": "Information"
    }
  }
}
`},
		{path: "Controllers/HealthController.cs", body: `using Microsoft.AspNetCore.Mvc;

namespace {{.Name}}.Controllers;

[ApiController]
[Route("health")]
public class HealthController : ControllerBase
{
    [HttpGet]
    public IActionResult Get() => Ok(new { status = "ok" });
}
`},
	},
	ProjectBlazor: {
		{path: "{{.Name}}.csproj", key: true, body: `<Project Sdk="Microsoft.NET.Sdk.BlazorWebAssembly">
  <PropertyGroup>
    <TargetFramework>net8.0</TargetFramework>
    <Nullable>enable</Nullable>
  </PropertyGroup>
  <ItemGroup>
    <PackageReference Include="Microsoft.AspNetCore.Components.WebAssembly" Version="8.0.0" />
  </ItemGroup>
</Project>
`},
		{path: "Program.cs", key: true, body: `using Microsoft.AspNetCore.Components.Web;
using Microsoft.AspNetCore.Components.WebAssembly.Hosting;

var builder = WebAssemblyHostBuilder.CreateDefault(args);
builder.RootComponents.Add<App>("#app");
builder.RootComponents.Add<HeadOutlet>("head::after");

await builder.Build().RunAsync();
`},
		{path: "App.razor", key: true, body: `<Router AppAssembly="@typeof(App).Assembly">
    <Found Context="routeData">
        <RouteView RouteData="@routeData" />
    </Found>
    <NotFound>
        <p>Page not found.</p>
    </NotFound>
</Router>
`},
		{path: "Pages/Index.razor", body: `@page "/"

<h1>{{.Name}}</h1>
`},
		{path: "wwwroot/index.html", body: `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8" />
    <title>{{.Name}}</title>
    <base href="/" />
</head>
<body>
    <div id="app">Loading...</div>
    <script src="_framework/blazor.webassembly.js"></script>
</body>
</html>
`},
	},
	ProjectGeneric: {
		{path: "README.md", key: true, body: `# {{.Name}}
`},
		{path: "src/.gitkeep", body: ``},
	},
}
