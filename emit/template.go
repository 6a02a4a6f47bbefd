package emit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/reactorlang/reactor/core/compile"
)

// templateSource is the self-invoking/module wrapper the template back end
// renders (spec.md §4.5). LIBRARY carries the fixed runtime prelude: the
// placeholders below are filled in from the compiled ProjectionData.
const templateSource = `{{if eq .Format "module"}}function {{.Name}}(model, funcLib) { {{else}}(function (model, funcLib) { {{end}}
  "use strict";
  var $DEBUG = {{.DebugMode}};
  var $LIBRARY = {{.Library}};
  var $PRIMITIVES = {{.Primitives}};
  var $GETTERS = {{.AllExpressions}};
  var $SETTERS = {{.Setters}};
  var $TOP_LEVEL_NAMES = {{.TopLevelNames}};
  var $TOP_LEVEL_PROJECTIONS = {{.TopLevelProjections}};
  var $AST = {{.AST}};

  var instance = $LIBRARY.createInstance(model, funcLib, {
    primitives: $PRIMITIVES,
    getters: $GETTERS,
    setters: $SETTERS,
    topLevelNames: $TOP_LEVEL_NAMES,
    topLevelProjections: $TOP_LEVEL_PROJECTIONS,
    debug: $DEBUG,
    ast: $AST
  });
  {{.Derived}}
  return instance;
{{if eq .Format "module"}}}
{{else}}})({{end}}
`

// TemplateData is the set of placeholders spec.md §4.5 names: LIBRARY,
// SETTERS, ALL_EXPRESSIONS, DERIVED/RESET, NAME, DEBUG_MODE, AST. Primitives
// is threaded through alongside ALL_EXPRESSIONS: a getter's Type/Args refs
// can point into the primitives table, so LIBRARY's interpreter needs it to
// make sense of $GETTERS at all.
type TemplateData struct {
	Format              string
	Name                string
	DebugMode           string
	Library             string
	Primitives          string
	Setters             string
	AllExpressions      string
	TopLevelNames       string
	TopLevelProjections string
	AST                 string
	Derived             string
}

// libraryPrelude is the fixed runtime shim every template render embeds
// (spec.md §4.5 "LIBRARY"): a self-contained reinterpretation of
// runtime/vm (ops.go's dispatch/evalGet, combinators.go's reified
// recursiveMap loop, path.go's ensurePath/applySetter) in JS, not generated
// per-program — it is fixed glue emitted unconditionally alongside the
// per-program $GETTERS/$SETTERS data, the same way the teacher generator
// emits its process-management functions.
const libraryPrelude = `(function () {
  "use strict";

  // ---- container helpers, shared by ensurePath/push/splice ---------------
  function resolveContainer(root, steps, wantArrayAtEnd) {
    var node = root;
    for (var idx = 0; idx < steps.length; idx++) {
      var key = steps[idx];
      var child = node == null ? undefined : node[key];
      if (child === undefined || child === null) {
        var nextKey = idx + 1 < steps.length ? steps[idx + 1] : null;
        var makeArray = nextKey !== null ? typeof nextKey === "number" : wantArrayAtEnd;
        child = makeArray ? [] : {};
        if (node == null) {
          throw new Error("reactor: cannot materialize a path without a parent container");
        }
        node[key] = child;
      }
      node = child;
    }
    return node;
  }

  // ---- iteration, deterministic across plain objects and arrays ----------
  function iterate(collection, visit) {
    if (Array.isArray(collection)) {
      for (var idx = 0; idx < collection.length; idx++) visit(idx, collection[idx]);
      return;
    }
    if (collection && typeof collection === "object") {
      var keys = Object.keys(collection).sort();
      for (var i = 0; i < keys.length; i++) visit(keys[i], collection[keys[i]]);
    }
  }

  // ---- collection combinators (spec.md §4.6) ------------------------------
  function combinatorMap(collection, fn, context) {
    if (Array.isArray(collection)) {
      var out = [];
      iterate(collection, function (k, v) { out.push(fn(v, k, context)); });
      return out;
    }
    var out = {};
    iterate(collection, function (k, v) { out[k] = fn(v, k, context); });
    return out;
  }

  function combinatorFilter(collection, fn, context) {
    if (Array.isArray(collection)) {
      var out = [];
      iterate(collection, function (k, v) { if (fn(v, k, context)) out.push(v); });
      return out;
    }
    var out = {};
    iterate(collection, function (k, v) { if (fn(v, k, context)) out[k] = v; });
    return out;
  }

  function combinatorMapKeys(collection, fn, context) {
    var out = {};
    iterate(collection, function (k, v) { out[String(fn(v, k, context))] = v; });
    return out;
  }

  function combinatorGroupBy(collection, fn, context) {
    var out = {};
    iterate(collection, function (k, v) {
      var bucket = String(fn(v, k, context));
      (out[bucket] = out[bucket] || []).push(v);
    });
    return out;
  }

  function combinatorKeyBy(collection, fn, context) {
    var out = {};
    iterate(collection, function (k, v) { out[String(fn(v, k, context))] = v; });
    return out;
  }

  function combinatorAny(collection, fn, context) {
    var found = false;
    iterate(collection, function (k, v) { if (!found && fn(v, k, context)) found = true; });
    return found;
  }

  // recursiveMap/recursiveMapValues: the callback gets a reified loop(key)
  // that recomputes the same callback for another key of collection. A
  // per-call resolved map memoizes each key's result so it is computed at
  // most once; a key re-entered while its own computation is still in
  // flight returns undefined, which both memoizes and breaks cycles.
  function combinatorRecursiveMap(collection, fn, context) {
    var resolved = {};
    var inProgress = {};

    function loop(key) {
      var ck = String(key);
      if (Object.prototype.hasOwnProperty.call(resolved, ck)) return resolved[ck];
      if (inProgress[ck]) return undefined;
      inProgress[ck] = true;
      var value = collection == null ? undefined : collection[key];
      var result = fn(value, key, context, loop);
      delete inProgress[ck];
      resolved[ck] = result;
      return result;
    }

    var keys = [];
    iterate(collection, function (k) { keys.push(k); });
    for (var i = 0; i < keys.length; i++) loop(keys[i]);

    if (Array.isArray(collection)) {
      return keys.map(function (k) { return resolved[String(k)]; });
    }
    var out = {};
    keys.forEach(function (k) { out[String(k)] = resolved[String(k)]; });
    return out;
  }

  var combinators = {
    map: combinatorMap,
    mapValues: combinatorMap,
    filter: combinatorFilter,
    filterBy: combinatorFilter,
    mapKeys: combinatorMapKeys,
    groupBy: combinatorGroupBy,
    keyBy: combinatorKeyBy,
    any: combinatorAny,
    anyValues: combinatorAny,
    recursiveMap: combinatorRecursiveMap,
    recursiveMapValues: combinatorRecursiveMap
  };

  // ---- packed-reference decoding (core/compile/ref.go) --------------------
  // Known boundary: a Ref's top two bits tag it (0 inline int, 1 primitives
  // index, 2 getters index) at bit position 62, which does not round-trip
  // exactly through a JSON number once a table index grows past a couple
  // million entries — an IEEE-754 double only carries 53 bits of integer
  // precision. Fine for the programs this back end is meant for; a host
  // embedding much larger programs needs a BigInt-aware decoder here.
  var TAG_UNIT = 4611686018427387904; // 2^62
  function tagOf(ref) { return Math.floor(ref / TAG_UNIT); }
  function payloadOf(ref) { return ref - tagOf(ref) * TAG_UNIT; }

  var COMBINATOR_KINDS = {
    map: true, mapValues: true, filter: true, filterBy: true, mapKeys: true,
    groupBy: true, keyBy: true, any: true, anyValues: true,
    recursiveMap: true, recursiveMapValues: true
  };

  function truthy(v) {
    if (v === null || v === undefined || v === false) return false;
    if (v === "" || v === 0) return false;
    return true;
  }

  function toNumber(v) {
    var n = Number(v);
    return isNaN(n) ? null : n;
  }

  function lookupValue(object, key) {
    if (object == null) return undefined;
    return object[key];
  }

  // ReactorInstance is a minimal, host-embeddable reimplementation of
  // runtime/vm.Instance (runtime/vm/instance.go, ops.go, combinators.go):
  // it interprets $GETTERS/$SETTERS directly rather than relying on a
  // separately-shipped VM module. It recomputes every top-level projection
  // on each settle rather than tracking per-getter dirty state the way the
  // Go VM does — simpler, and observably correct, at the cost of redoing
  // work the metadata/paths tables would otherwise let it skip.
  function ReactorInstance(model, funcLib, program) {
    this.model = model;
    this.funcLib = funcLib;
    this.program = program;
    this.listeners = [];
    this.batchDepth = 0;
    this.pending = [];
    this.batchingStrategy = null;
    this.setterByName = {};
    this.exportedNames = [];

    var self = this;
    program.setters.forEach(function (s, idx) {
      self.setterByName[self.primitive(s.Name)] = idx;
    });
    program.topLevelNames.forEach(function (nameIdx, idx) {
      self.exportedNames[idx] = nameIdx < 0 ? null : self.primitive(nameIdx);
    });

    if (program.debug) {
      this.$ast = function () { return program.ast; };
      this.$source = function () { return null; };
    }

    this._bindSetters();
    this._recalculate();
  }

  ReactorInstance.prototype.primitive = function (idx) {
    return this.program.primitives[idx];
  };

  ReactorInstance.prototype.kindOf = function (getter) {
    return this.primitive(payloadOf(getter.Type));
  };

  ReactorInstance.prototype.isTopLevelRef = function (ref) {
    if (tagOf(ref) !== 2) return false;
    return this.kindOf(this.program.getters[payloadOf(ref)]) === "topLevel";
  };

  ReactorInstance.prototype.evalRef = function (ref, ctx, cache) {
    var tag = tagOf(ref);
    if (tag === 0) return payloadOf(ref);
    if (tag === 1) return this.primitive(payloadOf(ref));
    if (tag === 2) return this.evalGetter(payloadOf(ref), ctx, cache);
    throw new Error("reactor: unexpected reference tag " + tag + " in value position");
  };

  ReactorInstance.prototype.evalGetter = function (idx, ctx, cache) {
    if (Object.prototype.hasOwnProperty.call(cache, idx)) return cache[idx];
    var g = this.program.getters[idx];
    var v = this.dispatch(this.kindOf(g), g, idx, ctx, cache);
    cache[idx] = v;
    return v;
  };

  ReactorInstance.prototype.dispatch = function (kind, g, idx, ctx, cache) {
    var self = this;
    switch (kind) {
      case "root":
        return this.model;
      case "context":
        return ctx.length ? ctx[ctx.length - 1] : undefined;
      case "topLevel":
        throw new Error("reactor: topLevel getter has no standalone value, must be resolved through get");
      case "key":
        throw new Error("reactor: unexpected bare key token in projection");
      case "get":
        return this.evalGet(g, ctx, cache);
      case "trace":
        return this.evalRef(g.Args[0], ctx, cache);
      case "and": {
        var lastAnd = true;
        for (var ai = 1; ai < g.Args.length; ai++) {
          lastAnd = this.evalRef(g.Args[ai], ctx, cache);
          if (!truthy(lastAnd)) return lastAnd;
        }
        return lastAnd;
      }
      case "or": {
        var lastOr;
        for (var oi = 1; oi < g.Args.length; oi++) {
          lastOr = this.evalRef(g.Args[oi], ctx, cache);
          if (truthy(lastOr)) return lastOr;
        }
        return lastOr;
      }
      case "ternary": {
        var cond = this.evalRef(g.Args[1], ctx, cache);
        return truthy(cond) ? this.evalRef(g.Args[2], ctx, cache) : this.evalRef(g.Args[3], ctx, cache);
      }
      case "range": {
        var start = toNumber(this.evalRef(g.Args[0], ctx, cache));
        var stop = toNumber(this.evalRef(g.Args[1], ctx, cache));
        var step = toNumber(this.evalRef(g.Args[2], ctx, cache));
        if (!step) throw new Error("reactor: range step must be non-zero");
        var out = [];
        if (step > 0) { for (var v = start; v < stop; v += step) out.push(v); }
        else { for (var v2 = start; v2 > stop; v2 += step) out.push(v2); }
        return out;
      }
      case "add": case "sub": case "mul": case "div": case "mod": case "neg":
        return this.evalArithmetic(kind, g.Args, ctx, cache);
      case "eq": case "neq": case "lt": case "lte": case "gt": case "gte": case "not":
        return this.evalComparison(kind, g.Args, ctx, cache);
      case "keys": case "values": case "assign": case "size": case "defaults": case "sum": case "flatten":
        return this.evalScalarOp(kind, g.Args, ctx, cache);
      default:
        if (COMBINATOR_KINDS[kind]) return this.evalCombinator(kind, g, ctx, cache);
        throw new Error("reactor: unsupported operator " + kind);
    }
  };

  ReactorInstance.prototype.evalGet = function (g, ctx, cache) {
    if (this.isTopLevelRef(g.Args[0])) {
      var tlIdx = this.evalRef(g.Args[1], ctx, cache);
      return this.evalRef(this.program.topLevelProjections[tlIdx], ctx, cache);
    }
    var object = this.evalRef(g.Args[0], ctx, cache);
    var key = this.evalRef(g.Args[1], ctx, cache);
    return lookupValue(object, key);
  };

  ReactorInstance.prototype.evalArithmetic = function (kind, args, ctx, cache) {
    var self = this;
    var vals = args.map(function (a) { return self.evalRef(a, ctx, cache); });
    if (kind === "neg") return -toNumber(vals[0]);
    if (kind === "add") {
      if (typeof vals[0] === "string") return vals[0] + String(vals[1]);
      if (typeof vals[1] === "string") return String(vals[0]) + vals[1];
    }
    var a = toNumber(vals[0]), b = toNumber(vals[1]);
    switch (kind) {
      case "add": return a + b;
      case "sub": return a - b;
      case "mul": return a * b;
      case "div": return a / b;
      case "mod": return a % b;
    }
  };

  ReactorInstance.prototype.evalComparison = function (kind, args, ctx, cache) {
    if (kind === "not") return !truthy(this.evalRef(args[0], ctx, cache));
    var a = this.evalRef(args[0], ctx, cache);
    var b = this.evalRef(args[1], ctx, cache);
    switch (kind) {
      case "eq": return String(a) === String(b);
      case "neq": return String(a) !== String(b);
      case "lt": return toNumber(a) < toNumber(b);
      case "lte": return toNumber(a) <= toNumber(b);
      case "gt": return toNumber(a) > toNumber(b);
      case "gte": return toNumber(a) >= toNumber(b);
    }
  };

  ReactorInstance.prototype.evalScalarOp = function (kind, args, ctx, cache) {
    var self = this;
    switch (kind) {
      case "keys": {
        var v = this.evalRef(args[0], ctx, cache);
        return v && typeof v === "object" && !Array.isArray(v) ? Object.keys(v).sort() : [];
      }
      case "values": {
        var v2 = this.evalRef(args[0], ctx, cache);
        if (Array.isArray(v2)) return v2;
        if (v2 && typeof v2 === "object") return Object.keys(v2).sort().map(function (k) { return v2[k]; });
        return [];
      }
      case "assign": {
        var out = {};
        args.forEach(function (a) {
          var v = self.evalRef(a, ctx, cache);
          if (v && typeof v === "object") Object.keys(v).forEach(function (k) { out[k] = v[k]; });
        });
        return out;
      }
      case "defaults": {
        var vals = args.map(function (a) { return self.evalRef(a, ctx, cache); });
        var out2 = {};
        Object.assign(out2, vals[0] || {});
        for (var i = 1; i < vals.length; i++) {
          var d = vals[i];
          if (!d || typeof d !== "object") continue;
          Object.keys(d).forEach(function (k) { if (!(k in out2)) out2[k] = d[k]; });
        }
        return out2;
      }
      case "size": {
        var v3 = this.evalRef(args[0], ctx, cache);
        if (Array.isArray(v3) || typeof v3 === "string") return v3.length;
        if (v3 && typeof v3 === "object") return Object.keys(v3).length;
        return 0;
      }
      case "sum": {
        var items = this.evalRef(args[0], ctx, cache);
        var list = Array.isArray(items) ? items : (items ? Object.keys(items).sort().map(function (k) { return items[k]; }) : []);
        return list.reduce(function (acc, n) { return acc + toNumber(n); }, 0);
      }
      case "flatten": {
        var outer = this.evalRef(args[0], ctx, cache) || [];
        var out3 = [];
        outer.forEach(function (inner) { out3.push.apply(out3, inner || []); });
        return out3;
      }
    }
  };

  ReactorInstance.prototype.evalCombinator = function (kind, g, ctx, cache) {
    var self = this;
    var collection = this.evalRef(g.Args[0], ctx, cache);
    var fnName = this.evalRef(g.Args[1], ctx, cache);
    var fn = this.funcLib[fnName];
    if (typeof fn !== "function") {
      throw new Error("reactor: undefined function " + JSON.stringify(fnName));
    }
    var context = ctx.length ? ctx[ctx.length - 1] : undefined;
    if (kind === "recursiveMap" || kind === "recursiveMapValues") {
      return combinators[kind](collection, fn, context);
    }
    return combinators[kind](collection, function (v, k) { return fn(v, k, context); }, context);
  };

  // ---- setters (spec.md §4.6 "Setters") -----------------------------------
  ReactorInstance.prototype.resolveSteps = function (s, args) {
    var self = this;
    var path = s.Steps.map(function (step) {
      var tag = tagOf(step);
      if (tag === 3) return args[payloadOf(step)]; // TagArg: bound positional argument
      if (tag === 0) return payloadOf(step);
      if (tag === 1) return self.primitive(payloadOf(step));
      throw new Error("reactor: setter step has unexpected tag " + tag);
    });
    return path;
  };

  ReactorInstance.prototype.applySetterCall = function (setterIdx, args) {
    var s = this.program.setters[setterIdx];
    var kind = this.primitive(payloadOf(s.Kind));
    var path = this.resolveSteps(s, args);
    var rest = args.slice(s.TokenCount);

    switch (kind) {
      case "set": {
        var value = rest[0];
        if (path.length === 0) { this.model = value; break; }
        var container = LIBRARY.ensurePath(this.model, path);
        LIBRARY.applySetter(container, path[path.length - 1], value);
        break;
      }
      case "push":
        LIBRARY.push(this.model, path, rest[0]);
        break;
      case "splice":
        LIBRARY.splice(this.model, path, rest[0], rest[1], rest.slice(2));
        break;
      default:
        throw new Error("reactor: unknown setter kind " + kind);
    }
  };

  ReactorInstance.prototype._bindSetters = function () {
    var self = this;
    this.program.setters.forEach(function (s, idx) {
      var name = self.primitive(payloadOf(s.Name));
      self[name] = function () {
        self.invoke(idx, Array.prototype.slice.call(arguments));
      };
    });
  };

  ReactorInstance.prototype.invoke = function (setterIdx, args) {
    if (this.batchDepth > 0) {
      this.pending.push([setterIdx, args]);
      return;
    }
    this.applySetterCall(setterIdx, args);
    this._recalculate();
  };

  ReactorInstance.prototype._recalculate = function () {
    var self = this;
    var cache = {};
    this.program.topLevelProjections.forEach(function (ref, idx) {
      var v = self.evalRef(ref, [], cache);
      var name = self.exportedNames[idx];
      if (name) self[name] = v;
    });
    this.listeners.forEach(function (l) { l(); });
    if (this.pending.length && this.batchDepth === 0) {
      var queued = this.pending;
      this.pending = [];
      queued.forEach(function (call) { self.applySetterCall(call[0], call[1]); });
      this._recalculate();
    }
  };

  ReactorInstance.prototype.$startBatch = function () { this.batchDepth++; };

  ReactorInstance.prototype.$endBatch = function () {
    if (this.batchDepth === 0) return;
    this.batchDepth--;
    if (this.batchDepth === 0) this._recalculate();
  };

  ReactorInstance.prototype.$runInBatch = function (fn) {
    this.$startBatch();
    try {
      fn();
    } finally {
      this.$endBatch();
    }
  };

  ReactorInstance.prototype.$addListener = function (fn) { this.listeners.push(fn); };

  ReactorInstance.prototype.$removeListener = function (fn) {
    var i = this.listeners.indexOf(fn);
    if (i >= 0) this.listeners.splice(i, 1);
  };

  ReactorInstance.prototype.$setBatchingStrategy = function (fn) { this.batchingStrategy = fn; };

  var LIBRARY = {
    ensurePath: function (root, path) {
      if (path.length < 2) return root;
      return resolveContainer(root, path.slice(0, path.length - 1), typeof path[path.length - 1] === "number");
    },

    applySetter: function (container, key, value) {
      if (container == null) return container;
      var isIndex = Array.isArray(container) && typeof key === "number";
      if (value === undefined) {
        if (isIndex) {
          if (key >= 0 && key < container.length) container.splice(key, 1);
        } else {
          delete container[key];
        }
        return container;
      }
      if (isIndex) { while (container.length <= key) container.push(undefined); }
      container[key] = value;
      return container;
    },

    set: function (root, path, value) {
      if (path.length === 0) return value;
      var container = LIBRARY.ensurePath(root, path);
      LIBRARY.applySetter(container, path[path.length - 1], value);
      return root;
    },

    push: function (root, path, value) {
      var container = path.length === 0 ? root : resolveContainer(root, path, true);
      if (!Array.isArray(container)) throw new Error("reactor: push target is not a list");
      container.push(value);
      return root;
    },

    splice: function (root, path, start, deleteCount, items) {
      var container = path.length === 0 ? root : resolveContainer(root, path, true);
      if (!Array.isArray(container)) throw new Error("reactor: splice target is not a list");
      container.splice.apply(container, [start, deleteCount].concat(items || []));
      return root;
    },

    combinators: combinators,

    createInstance: function (model, funcLib, program) {
      return new ReactorInstance(model, funcLib || {}, program);
    }
  };

  return LIBRARY;
})()
`

// RenderTemplate implements the template back end: it renders pd into
// placeholder-filled source text for FormatSelfInvoking or FormatModule
// (spec.md §4.5). The "DERIVED"/"RESET" placeholder is left empty for a
// fresh instance; hosts performing incremental hydration splice their own
// reset statements in before execution.
func RenderTemplate(pd *compile.ProjectionData, opts compile.Options) (string, error) {
	tmpl, err := template.New("reactor").Parse(templateSource)
	if err != nil {
		return "", fmt.Errorf("emit: parse template: %w", err)
	}

	data, err := buildTemplateData(pd, opts)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("emit: render template: %w", err)
	}
	return buf.String(), nil
}

func buildTemplateData(pd *compile.ProjectionData, opts compile.Options) (*TemplateData, error) {
	primitives, err := jsonOf(pd.Primitives)
	if err != nil {
		return nil, err
	}
	getters, err := jsonOf(pd.Getters)
	if err != nil {
		return nil, err
	}
	setters, err := jsonOf(pd.Setters)
	if err != nil {
		return nil, err
	}
	topLevelNames, err := jsonOf(pd.TopLevelNames)
	if err != nil {
		return nil, err
	}
	topLevelProjections, err := jsonOf(pd.TopLevelProjections)
	if err != nil {
		return nil, err
	}

	ast := "null"
	if opts.Debug {
		astDump, err := jsonOf(struct {
			Primitives []interface{} `json:"primitives"`
			Sources    []string      `json:"sources"`
		}{pd.Primitives, pd.Sources})
		if err != nil {
			return nil, err
		}
		ast = astDump
	}

	debugMode := "false"
	if opts.Debug {
		debugMode = "true"
	}

	name := opts.Name
	if name == "" {
		name = "createReactorInstance"
	}

	return &TemplateData{
		Format:              string(opts.Format),
		Name:                name,
		DebugMode:           debugMode,
		Library:             libraryPrelude,
		Primitives:          primitives,
		Setters:             setters,
		AllExpressions:      getters,
		TopLevelNames:       topLevelNames,
		TopLevelProjections: topLevelProjections,
		AST:                 ast,
		Derived:             "",
	}, nil
}

func jsonOf(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("emit: encode template data: %w", err)
	}
	return string(b), nil
}
